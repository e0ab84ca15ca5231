package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request. ChatIDs scopes results to the chats
// the requester is a member of; an empty list matches nothing.
type Query struct {
	Text    string
	ChatIDs []string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessage(m MessageRecord) error
	DeleteMessage(id string) error
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Body     string `json:"body"`
}
