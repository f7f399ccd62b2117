package search

// EmbedRequest is the body of POST /embeddings.
type EmbedRequest struct {
	Texts        []string `json:"texts"`
	Task         string   `json:"task"`
	ChunkSize    int      `json:"chunk_size"`
	ChunkingMode string   `json:"chunking_mode"`
	Priority     string   `json:"priority"`
}

// EmbedResponse mirrors the request shape: embeddings[i][j] is the vector
// for the j-th chunk of text i, chunks[i][j] its (char_start, char_end)
// span, and chunks_count[i] the number of chunks text i produced.
type EmbedResponse struct {
	Embeddings  [][][]float32 `json:"embeddings"`
	ChunksCount []int         `json:"chunks_count"`
	Chunks      [][][2]int    `json:"chunks"`
	ModelName   string        `json:"model_name"`
}

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SearchResult is one matched document chunk.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	SourceID   string  `json:"source_id"`
	ExternalID string  `json:"external_id"`
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	CharStart  int     `json:"char_start"`
	CharEnd    int     `json:"char_end"`
	Score      float32 `json:"score"`
}

// SearchResponse contains ranked search results.
type SearchResponse struct {
	Results   []SearchResult `json:"results"`
	ModelName string         `json:"model_name"`
}
