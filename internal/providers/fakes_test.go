package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"quote-intake/internal/models"
)

// memoryRegistry 内存版注册表 按外部 ID 收敛
type memoryRegistry struct {
	mu        sync.Mutex
	items     map[string]models.ProviderCandidate
	failNames map[string]bool
	seq       int
}

func newMemoryRegistry(seed ...models.ProviderCandidate) *memoryRegistry {
	r := &memoryRegistry{items: map[string]models.ProviderCandidate{}, failNames: map[string]bool{}}
	for _, p := range seed {
		p.Active = true
		r.items[p.ID] = p
	}
	return r
}

func (r *memoryRegistry) FindProvidersByCapability(_ context.Context, service string, limit int) ([]models.ProviderCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ProviderCandidate
	for _, p := range r.items {
		for _, c := range p.Capabilities {
			if strings.EqualFold(c, service) && p.Active {
				p.Source = models.SourceRegistry
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reliability > out[j].Reliability })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRegistry) UpsertProvider(_ context.Context, p models.ProviderCandidate) (models.ProviderCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNames[p.Name] {
		return p, errors.New("disk full")
	}
	for id, existing := range r.items {
		if p.ExternalID != "" && existing.ExternalID == p.ExternalID {
			p.ID = id
			p.Active = existing.Active
			r.items[id] = p
			return p, nil
		}
	}
	r.seq++
	if p.ID == "" {
		p.ID = fmt.Sprintf("prv_%d", r.seq)
	}
	p.Active = true
	r.items[p.ID] = p
	return p, nil
}

func (r *memoryRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

type fakeDirectory struct {
	mu          sync.Mutex
	geocodeErr  error
	places      []Place
	searchErr   error
	details     map[string]PlaceDetails
	lastPoint   models.GeoPoint
	lastQuery   string
	searchCalls int
	detailCalls int
}

func (d *fakeDirectory) Geocode(_ context.Context, _ string) (models.GeoPoint, error) {
	if d.geocodeErr != nil {
		return models.GeoPoint{}, d.geocodeErr
	}
	return models.GeoPoint{Lat: 39.47, Lng: -0.376}, nil
}

func (d *fakeDirectory) SearchNearby(_ context.Context, query string, point models.GeoPoint, _ float64) ([]Place, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searchCalls++
	d.lastQuery = query
	d.lastPoint = point
	return d.places, d.searchErr
}

func (d *fakeDirectory) Details(_ context.Context, placeID string) (PlaceDetails, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detailCalls++
	det, ok := d.details[placeID]
	if !ok {
		return PlaceDetails{}, models.NewExternalError("directory", "details", errors.New("not found"))
	}
	return det, nil
}

type fakeEmailFinder map[string]string

func (f fakeEmailFinder) FindEmail(_ context.Context, site string) (string, error) {
	if email, ok := f[site]; ok {
		return email, nil
	}
	return "", errors.New("timeout")
}

type memoryRFQStore struct {
	mu           sync.Mutex
	rfqs         map[string]*models.ExternalQuotation
	keys         map[string]string
	interactions []models.Interaction
}

func newMemoryRFQStore() *memoryRFQStore {
	return &memoryRFQStore{rfqs: map[string]*models.ExternalQuotation{}, keys: map[string]string{}}
}

func (s *memoryRFQStore) InsertRFQ(_ context.Context, q *models.ExternalQuotation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := q.RequestID + "|" + q.ProviderID + "|" + q.Service
	if _, ok := s.keys[key]; ok {
		return false, nil
	}
	copied := *q
	s.rfqs[q.ID] = &copied
	s.keys[key] = q.ID
	return true, nil
}

func (s *memoryRFQStore) UpdateRFQ(_ context.Context, q *models.ExternalQuotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rfqs[q.ID]; !ok {
		return models.ErrNotFound
	}
	copied := *q
	s.rfqs[q.ID] = &copied
	return nil
}

func (s *memoryRFQStore) AppendInteraction(_ context.Context, item models.Interaction) (models.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.Seq = int64(len(s.interactions) + 1)
	s.interactions = append(s.interactions, item)
	return item, nil
}

func (s *memoryRFQStore) byStatus(status models.RFQStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.rfqs {
		if q.Status == status {
			n++
		}
	}
	return n
}

type fakeMailer struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []models.OutboundEmail
}

func (m *fakeMailer) Send(_ context.Context, msg models.OutboundEmail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail[msg.To] {
		return models.NewExternalError("email", "send", errors.New("smtp 451"))
	}
	m.sent = append(m.sent, msg)
	return nil
}
