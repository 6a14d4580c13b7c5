package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-intake/internal/cache"
	"quote-intake/internal/models"
)

func newPlacesServer(t *testing.T, geocodeHits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/geocode/json", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(geocodeHits, 1)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		if r.URL.Query().Get("address") == "Nowhere" {
			_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK","results":[{"geometry":{"location":{"lat":39.47,"lng":-0.376}}}]}`))
	})
	mux.HandleFunc("/place/textsearch/json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "39.470000,-0.376000", r.URL.Query().Get("location"))
		assert.Equal(t, "25000", r.URL.Query().Get("radius"))
		_, _ = w.Write([]byte(`{"status":"OK","results":[
			{"place_id":"p1","name":"Anodizados Levante","formatted_address":"Calle 1, Valencia","rating":4.6,"geometry":{"location":{"lat":39.5,"lng":-0.4}}},
			{"place_id":"","name":"sin id"},
			{"place_id":"p2","name":"Tratamientos Turia","vicinity":"Paterna","rating":4.1,"geometry":{"location":{"lat":39.4,"lng":-0.3}}}
		]}`))
	})
	mux.HandleFunc("/place/details/json", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("place_id") == "denied" {
			_, _ = w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"bad key"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK","result":{"formatted_phone_number":"961 000 000","international_phone_number":"+34 961 000 000","website":"https://anodizados-levante.es"}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPlacesClientGeocodeIsCached(t *testing.T) {
	var hits int32
	srv := newPlacesServer(t, &hits)
	store := cache.NewMemoryStore(0)
	defer store.Close()
	client := NewPlacesClient(srv.URL, "test-key", nil, store)

	for i := 0; i < 3; i++ {
		point, err := client.Geocode(context.Background(), "Valencia")
		require.NoError(t, err)
		assert.InDelta(t, 39.47, point.Lat, 1e-9)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "相同地点只应请求一次地理编码")

	_, err := client.Geocode(context.Background(), "Nowhere")
	require.Error(t, err)
	assert.True(t, models.IsExternal(err))
}

func TestPlacesClientSearchAndDetails(t *testing.T) {
	var hits int32
	srv := newPlacesServer(t, &hits)
	client := NewPlacesClient(srv.URL+"/", "test-key", nil, nil)

	places, err := client.SearchNearby(context.Background(), "anodizado taller industrial Valencia", models.GeoPoint{Lat: 39.47, Lng: -0.376}, 25)
	require.NoError(t, err)
	require.Len(t, places, 2)
	assert.Equal(t, "p1", places[0].PlaceID)
	assert.Empty(t, places[0].Phone, "初始检索不带电话")
	assert.Equal(t, "Paterna", places[1].Address)

	details, err := client.Details(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "+34 961 000 000", details.Phone)
	assert.Equal(t, "https://anodizados-levante.es", details.Website)

	_, err = client.Details(context.Background(), "denied")
	require.Error(t, err)
	assert.True(t, models.IsExternal(err))
	assert.Contains(t, err.Error(), "bad key")
}

func TestPlacesClientHTTPFailureIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	client := NewPlacesClient(srv.URL, "", nil, nil)
	_, err := client.SearchNearby(context.Background(), "q", models.GeoPoint{}, 10)
	require.Error(t, err)
	assert.True(t, models.IsExternal(err))
}
