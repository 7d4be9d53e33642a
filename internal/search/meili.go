package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxJobs     = "veil_jobs"
	idxDatasets = "veil_datasets"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// Returns a client even when the initial connection fails; the health loop
// picks the instance up once it comes back.
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
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxJobs,
			primaryKey: "id",
			filterable: []string{"datasetId", "status"},
			searchable: []string{"fileName", "datasetName"},
		},
		{
			uid:        idxDatasets,
			primaryKey: "id",
			filterable: []string{"status"},
			searchable: []string{"name"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
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
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
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

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxJobs, ResultJob},
		{idxDatasets, ResultDataset},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterDatasetID != "" && ti.rtyp == ResultJob {
			filters = append(filters, fmt.Sprintf("datasetId = %q", q.FilterDatasetID))
		}
		if q.FilterStatus != "" {
			filters = append(filters, fmt.Sprintf("status = %q", q.FilterStatus))
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxJobs:
		return ResultJob
	case idxDatasets:
		return ResultDataset
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Status = decodeString(hit, "status")

	switch rtyp {
	case ResultJob:
		r.DatasetID = decodeString(hit, "datasetId")
		r.Title = firstNonBlank(decodeFormattedString(hit, "fileName"), decodeString(hit, "fileName"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "datasetName"), decodeString(hit, "datasetName"))
	case ResultDataset:
		r.DatasetID = r.ID
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexJob adds or updates a job in the search index.
func (m *Meili) IndexJob(j JobRecord) error {
	_, err := m.client.Index(idxJobs).AddDocuments([]JobRecord{j}, nil)
	return err
}

// IndexDataset adds or updates a dataset in the search index.
func (m *Meili) IndexDataset(d DatasetRecord) error {
	_, err := m.client.Index(idxDatasets).AddDocuments([]DatasetRecord{d}, nil)
	return err
}

// DeleteJob removes a job from the search index.
func (m *Meili) DeleteJob(id string) error {
	_, err := m.client.Index(idxJobs).DeleteDocument(id, nil)
	return err
}

// DeleteDataset removes a dataset from the search index.
func (m *Meili) DeleteDataset(id string) error {
	_, err := m.client.Index(idxDatasets).DeleteDocument(id, nil)
	return err
}

// IndexJobs bulk-indexes jobs.
func (m *Meili) IndexJobs(jobs []JobRecord) error {
	if len(jobs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxJobs).AddDocuments(jobs, nil)
	return err
}

// IndexDatasets bulk-indexes datasets.
func (m *Meili) IndexDatasets(datasets []DatasetRecord) error {
	if len(datasets) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDatasets).AddDocuments(datasets, nil)
	return err
}
