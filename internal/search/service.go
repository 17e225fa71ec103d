package search

import (
	"context"
	"log"

	"reportdesk/api/internal/store"
)

// Store is the fallback backend and the source of authoritative rows for
// Meilisearch hits.
type Store interface {
	SearchReports(ctx context.Context, chatID int64, text string, limit, offset int) ([]store.Report, error)
	GetReport(ctx context.Context, id int64) (store.Report, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// store's substring query.
type Service struct {
	meili *Meili
	store Store
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, st Store) *Service {
	return &Service{meili: meili, store: st}
}

// Search runs the query against Meilisearch when healthy, re-reading the
// matching rows from the store, and falls back to the store query otherwise.
func (s *Service) Search(ctx context.Context, q Query) ([]store.Report, error) {
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.Search(q)
		if err == nil {
			reports := make([]store.Report, 0, len(ids))
			for _, id := range ids {
				r, err := s.store.GetReport(ctx, id)
				if err != nil {
					// Index may be ahead of or behind the store; skip strays.
					continue
				}
				if r.ChatID == q.ChatID {
					reports = append(reports, r)
				}
			}
			return reports, nil
		}
		log.Printf("search: meilisearch error, falling back to store: %v", err)
	}

	return s.store.SearchReports(ctx, q.ChatID, q.Text, q.Limit, q.Offset)
}

// IndexReport pushes a report into the index, fire-and-forget.
func (s *Service) IndexReport(r store.Report) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFor(r)
	go func() {
		if err := s.meili.IndexReport(record); err != nil {
			log.Printf("search: index report %d: %v", record.ID, err)
		}
	}()
}
