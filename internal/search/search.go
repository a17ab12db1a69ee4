package search

import "context"

// Result is a single post hit. Snippet may carry <mark> highlights.
type Result struct {
	ID      string `json:"id"`
	Author  string `json:"author"`
	Channel string `json:"channel,omitempty"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text    string
	Author  string
	Channel string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// PostRecord is the data we index for a public, readable post.
type PostRecord struct {
	ID        string `json:"key"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	Root      string `json:"root"`
	Timestamp int64  `json:"timestamp"`
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}
