package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxReports = "reportdesk_reports"

// Meili implements report search and indexing via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the reports index.
// An unreachable server is tolerated: the instance reports unhealthy and the
// facade falls back to the store.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxReports,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxReports, err)
	}

	index := m.client.Index(idxReports)
	filterable := []interface{}{"chat_id"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs: %v", err)
	}
	searchable := []string{"user_login", "description", "tracking_id", "subscriber_info", "number_text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs: %v", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexReport upserts one report record.
func (m *Meili) IndexReport(record Record) error {
	_, err := m.client.Index(idxReports).UpdateDocuments([]Record{record}, nil)
	if err != nil {
		return fmt.Errorf("meilisearch index report %d: %w", record.ID, err)
	}
	return nil
}

// Search returns matching report ids, scoped to the query's chat.
func (m *Meili) Search(q Query) ([]int64, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 50
	}

	resp, err := m.client.Index(idxReports).Search(q.Text, &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
		Filter: []string{fmt.Sprintf("chat_id = %d", q.ChatID)},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	ids := make([]int64, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if id, ok := decodeID(hit); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func decodeID(hit meili.Hit) (int64, bool) {
	raw, ok := hit["id"]
	if !ok {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}
