package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"trial-scout/config"
	"trial-scout/providers"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Match ist ein Treffer der Ähnlichkeitssuche.
type Match struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type queryRequest struct {
	Namespace string    `json:"namespace,omitempty"`
	Vector    []float64 `json:"vector"`
	TopK      int       `json:"topK"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

// Client kapselt den Nearest-Neighbour-Lookup über Trial-Embeddings.
type Client struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewClient erstellt einen neuen Vektor-Index-Client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{Config: cfg, Logger: logger}
}

// Enabled meldet, ob der Index konfiguriert ist. Ohne Konfiguration wird die
// Discovery-Fallback-Stufe einfach übersprungen.
func (c *Client) Enabled() bool {
	return strings.TrimSpace(c.Config.VectorIndexBaseURL) != ""
}

// QueryIDs liefert die topK ähnlichsten Trial-IDs zum gegebenen Query-Vektor.
func (c *Client) QueryIDs(ctx context.Context, vector []float64, topK int) ([]Match, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: vector index not configured", providers.ErrUnavailable)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector required")
	}
	if topK <= 0 {
		topK = c.Config.VectorIndexTopK
	}

	body, err := json.Marshal(queryRequest{
		Namespace: c.Config.VectorIndexNamespace,
		Vector:    vector,
		TopK:      topK,
	})
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(c.Config.VectorIndexBaseURL, "/") + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Config.VectorIndexAPIKey != "" {
		req.Header.Set("Api-Key", c.Config.VectorIndexAPIKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.Logger.Warn("Vektor-Index hat Fehlerstatus zurückgegeben",
			zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: vector index status %d", providers.ErrBadRequest, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: vector index status %d", providers.ErrUnavailable, resp.StatusCode)
	}

	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("vector index decode: %w", err)
	}

	matches := make([]Match, 0, len(out.Matches))
	for _, m := range out.Matches {
		if strings.TrimSpace(m.ID) != "" {
			matches = append(matches, m)
		}
	}
	return matches, nil
}
