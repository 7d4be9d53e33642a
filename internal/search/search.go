package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultJob     ResultType = "job"
	ResultDataset ResultType = "dataset"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	DatasetID string     `json:"datasetId"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterDatasetID string
	FilterStatus    string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexJob(j JobRecord) error
	IndexDataset(d DatasetRecord) error
	DeleteJob(id string) error
	DeleteDataset(id string) error
}

// JobRecord is the data we index for a job.
type JobRecord struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	DatasetID   string `json:"datasetId"`
	DatasetName string `json:"datasetName"`
	Status      string `json:"status"`
}

// DatasetRecord is the data we index for a dataset.
type DatasetRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}
