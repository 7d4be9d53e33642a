package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexJob indexes a job (fire-and-forget to Meilisearch).
func (s *Service) IndexJob(j JobRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexJob(j); err != nil {
			log.Printf("search: index job %s: %v", j.ID, err)
		}
	}()
}

// IndexDataset indexes a dataset (fire-and-forget to Meilisearch).
func (s *Service) IndexDataset(d DatasetRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexDataset(d); err != nil {
			log.Printf("search: index dataset %s: %v", d.ID, err)
		}
	}()
}

// DeleteJob removes a job from the search index (fire-and-forget).
func (s *Service) DeleteJob(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteJob(id); err != nil {
			log.Printf("search: delete job %s: %v", id, err)
		}
	}()
}

// DeleteDataset removes a dataset from the search index (fire-and-forget).
func (s *Service) DeleteDataset(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDataset(id); err != nil {
			log.Printf("search: delete dataset %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes the given records into Meilisearch.
func (s *Service) ReindexAll(jobs []JobRecord, datasets []DatasetRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(jobs) > 0 {
		if err := s.meili.IndexJobs(jobs); err != nil {
			log.Printf("search: reindex jobs: %v", err)
		}
	}
	if len(datasets) > 0 {
		if err := s.meili.IndexDatasets(datasets); err != nil {
			log.Printf("search: reindex datasets: %v", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	jobs, datasets, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	s.ReindexAll(jobs, datasets)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
