// 本文件用于地点目录检索 地理编码 周边搜索与详情补全都经过 directory 限流器
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quote-intake/internal/cache"
	"quote-intake/internal/models"
	"quote-intake/internal/ratelimit"
)

const (
	dependencyDirectory   = "directory"
	defaultPlacesBaseURL  = "https://maps.googleapis.com/maps/api"
	defaultGeocodeTTL     = 30 * 24 * time.Hour
	maxDirectoryBodyBytes = 2 << 20
)

// Place 目录返回的地点 初始搜索不带电话与网站
type Place struct {
	PlaceID  string          `json:"placeId"`
	Name     string          `json:"name"`
	Address  string          `json:"address"`
	Phone    string          `json:"phone,omitempty"`
	Website  string          `json:"website,omitempty"`
	Rating   float64         `json:"rating"`
	Location models.GeoPoint `json:"location"`
}

// PlaceDetails 详情接口补全的联系方式
type PlaceDetails struct {
	Phone   string `json:"phone,omitempty"`
	Website string `json:"website,omitempty"`
}

// Directory 地点目录协作方
type Directory interface {
	Geocode(ctx context.Context, location string) (models.GeoPoint, error)
	SearchNearby(ctx context.Context, query string, point models.GeoPoint, radiusKm float64) ([]Place, error)
	Details(ctx context.Context, placeID string) (PlaceDetails, error)
}

// PlacesClient Google Places 风格的 HTTP 目录客户端
type PlacesClient struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *ratelimit.Limiter
	geoCache cache.Store
	geoTTL   time.Duration
}

// NewPlacesClient geoCache 可为空 为空时每次都请求地理编码
func NewPlacesClient(baseURL, apiKey string, limiter *ratelimit.Limiter, geoCache cache.Store) *PlacesClient {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultPlacesBaseURL
	}
	return &PlacesClient{
		baseURL:  base,
		apiKey:   strings.TrimSpace(apiKey),
		http:     &http.Client{Timeout: 15 * time.Second},
		limiter:  limiter,
		geoCache: geoCache,
		geoTTL:   defaultGeocodeTTL,
	}
}

type placesLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type placesGeometry struct {
	Location placesLocation `json:"location"`
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Geometry placesGeometry `json:"geometry"`
	} `json:"results"`
	ErrorMessage string `json:"error_message"`
}

type searchResponse struct {
	Status  string `json:"status"`
	Results []struct {
		PlaceID          string         `json:"place_id"`
		Name             string         `json:"name"`
		FormattedAddress string         `json:"formatted_address"`
		Vicinity         string         `json:"vicinity"`
		Rating           float64        `json:"rating"`
		Geometry         placesGeometry `json:"geometry"`
	} `json:"results"`
	ErrorMessage string `json:"error_message"`
}

type detailsResponse struct {
	Status string `json:"status"`
	Result struct {
		FormattedPhone     string `json:"formatted_phone_number"`
		InternationalPhone string `json:"international_phone_number"`
		Website            string `json:"website"`
	} `json:"result"`
	ErrorMessage string `json:"error_message"`
}

// Geocode 地理编码 结果按地点文本缓存
func (c *PlacesClient) Geocode(ctx context.Context, location string) (models.GeoPoint, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return models.GeoPoint{}, models.NewValidationError("location", "is required")
	}
	cacheKey := "geo:" + strings.ToLower(location)
	if c.geoCache != nil {
		if point, ok, err := cache.GetJSON[models.GeoPoint](ctx, c.geoCache, cacheKey); err == nil && ok {
			return point, nil
		}
	}
	var resp geocodeResponse
	params := url.Values{"address": {location}}
	if err := c.get(ctx, "geocode", "/geocode/json", params, &resp); err != nil {
		return models.GeoPoint{}, err
	}
	if err := checkPlacesStatus(resp.Status, resp.ErrorMessage); err != nil {
		return models.GeoPoint{}, models.NewExternalError(dependencyDirectory, "geocode", err)
	}
	if len(resp.Results) == 0 {
		return models.GeoPoint{}, models.NewExternalError(dependencyDirectory, "geocode", fmt.Errorf("no result for %q", location))
	}
	loc := resp.Results[0].Geometry.Location
	point := models.GeoPoint{Lat: loc.Lat, Lng: loc.Lng}
	if c.geoCache != nil {
		_ = cache.SetJSON(ctx, c.geoCache, cacheKey, point, c.geoTTL)
	}
	return point, nil
}

// SearchNearby 半径内文本检索
func (c *PlacesClient) SearchNearby(ctx context.Context, query string, point models.GeoPoint, radiusKm float64) ([]Place, error) {
	if radiusKm <= 0 {
		radiusKm = 50
	}
	params := url.Values{
		"query":    {query},
		"location": {formatLatLng(point)},
		"radius":   {strconv.Itoa(int(radiusKm * 1000))},
	}
	var resp searchResponse
	if err := c.get(ctx, "search", "/place/textsearch/json", params, &resp); err != nil {
		return nil, err
	}
	if err := checkPlacesStatus(resp.Status, resp.ErrorMessage); err != nil {
		return nil, models.NewExternalError(dependencyDirectory, "search", err)
	}
	out := make([]Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		if strings.TrimSpace(r.PlaceID) == "" || strings.TrimSpace(r.Name) == "" {
			continue
		}
		out = append(out, Place{
			PlaceID:  r.PlaceID,
			Name:     strings.TrimSpace(r.Name),
			Address:  firstNonEmpty(r.FormattedAddress, r.Vicinity),
			Rating:   r.Rating,
			Location: models.GeoPoint{Lat: r.Geometry.Location.Lat, Lng: r.Geometry.Location.Lng},
		})
	}
	return out, nil
}

// Details 补全电话与网站
func (c *PlacesClient) Details(ctx context.Context, placeID string) (PlaceDetails, error) {
	params := url.Values{
		"place_id": {placeID},
		"fields":   {"formatted_phone_number,international_phone_number,website"},
	}
	var resp detailsResponse
	if err := c.get(ctx, "details", "/place/details/json", params, &resp); err != nil {
		return PlaceDetails{}, err
	}
	if err := checkPlacesStatus(resp.Status, resp.ErrorMessage); err != nil {
		return PlaceDetails{}, models.NewExternalError(dependencyDirectory, "details", err)
	}
	return PlaceDetails{
		Phone:   firstNonEmpty(resp.Result.InternationalPhone, resp.Result.FormattedPhone),
		Website: strings.TrimSpace(resp.Result.Website),
	}, nil
}

func (c *PlacesClient) get(ctx context.Context, op, path string, params url.Values, out any) error {
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	endpoint := c.baseURL + path + "?" + params.Encode()
	data, err := ratelimit.Do(ctx, c.limiter, ratelimit.DefaultPriority, 1, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectoryBodyBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("目录服务响应异常: %d", resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		return models.NewExternalError(dependencyDirectory, op, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return models.NewExternalError(dependencyDirectory, op, fmt.Errorf("目录响应解析失败: %w", err))
	}
	return nil
}

func checkPlacesStatus(status, message string) error {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "", "OK", "ZERO_RESULTS":
		return nil
	default:
		if message != "" {
			return fmt.Errorf("status %s: %s", status, message)
		}
		return fmt.Errorf("status %s", status)
	}
}

func formatLatLng(p models.GeoPoint) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
