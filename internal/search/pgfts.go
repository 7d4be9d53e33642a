package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across jobs and datasets using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultJob {
		jobWhere := "j.search_text @@ " + tsQuery
		if q.FilterDatasetID != "" {
			jobWhere += fmt.Sprintf(" AND j.dataset_id = $%d", argN)
			args = append(args, q.FilterDatasetID)
			argN++
		}
		if q.FilterStatus != "" {
			jobWhere += fmt.Sprintf(" AND j.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'job'::text AS type, j.id, j.file_name AS title,
				ts_headline('english', d.name, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				j.dataset_id, j.status,
				ts_rank(j.search_text, %s) AS rank
			FROM jobs j
			JOIN datasets d ON d.id = j.dataset_id
			WHERE %s`, tsQuery, tsQuery, jobWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultDataset {
		datasetWhere := "to_tsvector('english', d.name) @@ " + tsQuery
		if q.FilterStatus != "" {
			datasetWhere += fmt.Sprintf(" AND d.status = $%d", argN)
			args = append(args, q.FilterStatus)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'dataset'::text AS type, d.id, d.name AS title,
				''::text AS snippet,
				d.id AS dataset_id, d.status,
				ts_rank(to_tsvector('english', d.name), %s) AS rank
			FROM datasets d
			WHERE %s`, tsQuery, datasetWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, dataset_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DatasetID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]JobRecord, []DatasetRecord, error) {
	jobRows, err := p.db.QueryContext(ctx, `
		SELECT j.id, j.file_name, j.dataset_id, d.name, j.status
		FROM jobs j
		JOIN datasets d ON d.id = j.dataset_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load jobs: %w", err)
	}
	defer jobRows.Close()

	jobs := make([]JobRecord, 0)
	for jobRows.Next() {
		var j JobRecord
		if err := jobRows.Scan(&j.ID, &j.FileName, &j.DatasetID, &j.DatasetName, &j.Status); err != nil {
			return nil, nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := jobRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate jobs: %w", err)
	}

	datasetRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, status
		FROM datasets
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load datasets: %w", err)
	}
	defer datasetRows.Close()

	datasets := make([]DatasetRecord, 0)
	for datasetRows.Next() {
		var d DatasetRecord
		if err := datasetRows.Scan(&d.ID, &d.Name, &d.Status); err != nil {
			return nil, nil, fmt.Errorf("scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	if err := datasetRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate datasets: %w", err)
	}

	return jobs, datasets, nil
}
