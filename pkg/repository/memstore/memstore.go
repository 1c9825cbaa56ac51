// Package memstore is an in-memory Repository implementation used by
// package tests that exercise the processing pipeline and orchestrator
// without a real database.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/desertdata/proptrack/pkg/propmodel"
	"github.com/desertdata/proptrack/pkg/repository"
)

// Store is a goroutine-safe, in-memory Repository.
type Store struct {
	mu         sync.Mutex
	properties map[string]propmodel.Property
	reports    map[string]propmodel.DailyReport
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		properties: make(map[string]propmodel.Property),
		reports:    make(map[string]propmodel.DailyReport),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Create(ctx context.Context, p propmodel.Property) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.properties[p.PropertyID]; exists {
		return "", repository.ErrAlreadyExists
	}
	s.properties[p.PropertyID] = p
	return p.PropertyID, nil
}

func (s *Store) Upsert(ctx context.Context, p propmodel.Property) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties[p.PropertyID] = p
	return p.PropertyID, nil
}

func (s *Store) GetByID(ctx context.Context, propertyID string) (*propmodel.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[propertyID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (s *Store) SearchByZipcode(ctx context.Context, zip string, limit int, includeInactive bool) ([]propmodel.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []propmodel.Property
	for _, p := range s.properties {
		if p.Address.Zipcode != zip {
			continue
		}
		if !includeInactive && !p.IsActive {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RecentUpdates(ctx context.Context, since time.Duration, limit int) ([]propmodel.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-since)
	var out []propmodel.Property
	for _, p := range s.properties {
		if p.LastUpdated.Before(cutoff) {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendPrice(ctx context.Context, propertyID string, obs propmodel.PriceObservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[propertyID]
	if !ok {
		return false, repository.ErrNotFound
	}
	p.PriceHistory = append(p.PriceHistory, obs)
	p.SortPriceHistory()
	p.RecomputeCurrentPrice()
	p.LastUpdated = time.Now().UTC()
	s.properties[propertyID] = p
	return true, nil
}

func (s *Store) PriceStats(ctx context.Context, zip string) (repository.PriceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats repository.PriceStats
	sum := 0.0
	for _, p := range s.properties {
		if p.Address.Zipcode != zip || p.CurrentPrice == nil {
			continue
		}
		amount := p.CurrentPrice.Amount
		if stats.Count == 0 || amount < stats.Min {
			stats.Min = amount
		}
		if amount > stats.Max {
			stats.Max = amount
		}
		sum += amount
		stats.Count++
	}
	if stats.Count > 0 {
		stats.Avg = sum / float64(stats.Count)
	}
	return stats, nil
}

func (s *Store) UpsertDailyReport(ctx context.Context, report propmodel.DailyReport) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := report.Date.Format("2006-01-02")
	s.reports[key] = report
	return key, nil
}

// Reports exposes stored reports for test assertions.
func (s *Store) Reports() map[string]propmodel.DailyReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]propmodel.DailyReport, len(s.reports))
	for k, v := range s.reports {
		out[k] = v
	}
	return out
}

var _ repository.Repository = (*Store)(nil)
