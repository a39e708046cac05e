package vectorstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// QdrantStore implements Store using Qdrant's HTTP API.
// Reference: https://qdrant.tech/documentation/concepts/points/
type QdrantStore struct {
	client     *http.Client
	apiBase    string
	apiKey     string
	collection string
}

// QdrantConfig holds configuration for a Qdrant store client.
type QdrantConfig struct {
	APIBase    string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// NewQdrantStore creates a new Qdrant vector store client.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.APIBase == "" {
		return nil, fmt.Errorf("qdrant api_base is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &QdrantStore{
		client:     &http.Client{Timeout: cfg.Timeout},
		apiBase:    cfg.APIBase,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
	}, nil
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context, dimension int, distance Distance) error {
	exists, err := q.collectionExists(ctx)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	createBody := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": string(distance),
		},
	}

	url := fmt.Sprintf("%s/collections/%s", q.apiBase, q.collection)
	return q.do(ctx, http.MethodPut, url, createBody, nil)
}

func (q *QdrantStore) collectionExists(ctx context.Context) (bool, error) {
	var result struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}

	url := fmt.Sprintf("%s/collections/%s/exists", q.apiBase, q.collection)
	if err := q.do(ctx, http.MethodGet, url, nil, &result); err != nil {
		return false, err
	}
	return result.Result.Exists, nil
}

// Upsert stores a vector with its payload under the given point ID.
func (q *QdrantStore) Upsert(ctx context.Context, entry Entry) error {
	upsertBody := map[string]any{
		"points": []qdrantPoint{{
			ID:      entry.ID,
			Vector:  entry.Vector,
			Payload: entry.Payload,
		}},
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", q.apiBase, q.collection)
	return q.do(ctx, http.MethodPut, url, upsertBody, nil)
}

// Retrieve fetches a single point by ID. Returns (nil, nil) when the point
// does not exist.
func (q *QdrantStore) Retrieve(ctx context.Context, id string) (*Entry, error) {
	retrieveBody := map[string]any{
		"ids":          []string{id},
		"with_payload": true,
		"with_vector":  true,
	}

	var result struct {
		Result []qdrantRecord `json:"result"`
	}

	url := fmt.Sprintf("%s/collections/%s/points", q.apiBase, q.collection)
	if err := q.do(ctx, http.MethodPost, url, retrieveBody, &result); err != nil {
		return nil, err
	}
	if len(result.Result) == 0 {
		return nil, nil
	}

	r := result.Result[0]
	return &Entry{ID: r.ID, Vector: r.Vector, Payload: r.Payload}, nil
}

// Search finds the k most similar vectors. Qdrant filters by score_threshold
// server-side; scores are cosine similarity when the collection uses the
// cosine distance.
func (q *QdrantStore) Search(ctx context.Context, vector []float64, k int, scoreThreshold float64) ([]SearchResult, error) {
	if k <= 0 {
		k = 1
	}

	searchBody := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	if scoreThreshold > 0 {
		searchBody["score_threshold"] = scoreThreshold
	}

	var searchResp struct {
		Result []struct {
			ID      string  `json:"id"`
			Score   float64 `json:"score"`
			Payload Payload `json:"payload"`
		} `json:"result"`
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", q.apiBase, q.collection)
	if err := q.do(ctx, http.MethodPost, url, searchBody, &searchResp); err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		results = append(results, SearchResult{
			ID:      r.ID,
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return results, nil
}

// SetPayload merges fields into a point's payload.
func (q *QdrantStore) SetPayload(ctx context.Context, id string, fields map[string]any) error {
	body := map[string]any{
		"payload": fields,
		"points":  []string{id},
	}

	url := fmt.Sprintf("%s/collections/%s/points/payload?wait=true", q.apiBase, q.collection)
	return q.do(ctx, http.MethodPost, url, body, nil)
}

// Delete removes points by ID.
func (q *QdrantStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	deleteBody := map[string]any{"points": ids}

	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", q.apiBase, q.collection)
	return q.do(ctx, http.MethodPost, url, deleteBody, nil)
}

// Scroll pages through stored points, payload only.
func (q *QdrantStore) Scroll(ctx context.Context, limit int, offset string) ([]Entry, string, error) {
	if limit <= 0 {
		limit = 100
	}
	scrollBody := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if offset != "" {
		scrollBody["offset"] = offset
	}

	var result struct {
		Result struct {
			Points         []qdrantRecord `json:"points"`
			NextPageOffset string         `json:"next_page_offset"`
		} `json:"result"`
	}

	url := fmt.Sprintf("%s/collections/%s/points/scroll", q.apiBase, q.collection)
	if err := q.do(ctx, http.MethodPost, url, scrollBody, &result); err != nil {
		return nil, "", err
	}

	entries := make([]Entry, 0, len(result.Result.Points))
	for _, p := range result.Result.Points {
		entries = append(entries, Entry{ID: p.ID, Payload: p.Payload})
	}
	return entries, result.Result.NextPageOffset, nil
}

// Count returns the number of stored points.
func (q *QdrantStore) Count(ctx context.Context) (int64, error) {
	var result struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}

	url := fmt.Sprintf("%s/collections/%s/points/count", q.apiBase, q.collection)
	if err := q.do(ctx, http.MethodPost, url, map[string]any{"exact": true}, &result); err != nil {
		return 0, err
	}
	return result.Result.Count, nil
}

// Ping checks if Qdrant is reachable.
func (q *QdrantStore) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections", q.apiBase)
	return q.do(ctx, http.MethodGet, url, nil, nil)
}

// Info returns collection metadata.
func (q *QdrantStore) Info(ctx context.Context) (*CollectionInfo, error) {
	var result struct {
		Result struct {
			Status      string `json:"status"`
			PointsCount int64  `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}

	url := fmt.Sprintf("%s/collections/%s", q.apiBase, q.collection)
	if err := q.do(ctx, http.MethodGet, url, nil, &result); err != nil {
		return nil, err
	}

	return &CollectionInfo{
		VectorCount: result.Result.PointsCount,
		Status:      result.Result.Status,
		Dimension:   result.Result.Config.Params.Vectors.Size,
		Distance:    result.Result.Config.Params.Vectors.Distance,
	}, nil
}

// Close releases idle connections.
func (q *QdrantStore) Close() error {
	q.client.CloseIdleConnections()
	return nil
}

// do executes one Qdrant API call, decoding the response into out when
// non-nil.
func (q *QdrantStore) do(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant request failed: status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Qdrant API types.

type qdrantPoint struct {
	ID      string    `json:"id"`
	Vector  []float64 `json:"vector"`
	Payload Payload   `json:"payload"`
}

type qdrantRecord struct {
	ID      string    `json:"id"`
	Vector  []float64 `json:"vector,omitempty"`
	Payload Payload   `json:"payload"`
}
