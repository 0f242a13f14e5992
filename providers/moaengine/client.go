package moaengine

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
	"trial-scout/models"
	"trial-scout/providers"
)

var httpClient = &http.Client{Timeout: 120 * time.Second}

// TagInput ist der Ausschnitt eines TrialRecord, den die MoA-Engine zum Tagging sieht.
type TagInput struct {
	NCTID         string   `json:"nct_id"`
	Title         string   `json:"title"`
	Summary       string   `json:"summary,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
	Interventions []string `json:"interventions,omitempty"`
}

// TagResult ist das Tagging-Ergebnis für eine einzelne Studie.
type TagResult struct {
	NCTID      string            `json:"nct_id"`
	Vector     models.MechVector `json:"vector"`
	Confidence float64           `json:"confidence"`
}

type tagRequest struct {
	Model  string   `json:"model"`
	Axes   []string `json:"axes"`
	Trials []TagInput `json:"trials"`
}

type tagResponse struct {
	ModelVersion string      `json:"model_version"`
	Results      []TagResult `json:"results"`
}

// BatchResult ist die Antwort der Engine für einen kompletten Batch.
type BatchResult struct {
	ModelVersion string
	Results      map[string]TagResult
}

// Client kapselt die Aufrufe gegen den Text-Understanding-Service.
type Client struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewClient erstellt einen neuen MoA-Engine-Client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{Config: cfg, Logger: logger}
}

// Name identifiziert die Engine in der Provenance der getaggten Vektoren.
func (c *Client) Name() string {
	return "moa-engine"
}

// TagBatch schickt einen Batch Studien zur Engine und liefert pro Studie
// {Vektor, Confidence}. Retries übernimmt der Aufrufer über die Retry-Policy.
func (c *Client) TagBatch(ctx context.Context, trials []TagInput) (*BatchResult, error) {
	if len(trials) == 0 {
		return &BatchResult{Results: map[string]TagResult{}}, nil
	}

	body, err := json.Marshal(tagRequest{
		Model:  c.Config.MoAEngineModel,
		Axes:   models.MechanismAxes,
		Trials: trials,
	})
	if err != nil {
		return nil, err
	}

	u := strings.TrimRight(c.Config.MoAEngineBaseURL, "/") + "/v1/moa/tag"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Config.MoAEngineAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.Config.MoAEngineAPIKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		c.Logger.Warn("MoA-Engine-Aufruf fehlgeschlagen",
			zap.Int("status", resp.StatusCode),
			zap.Int("batch_size", len(trials)),
			zap.ByteString("body", truncate(raw, 2048)))
		return nil, err
	}

	var out tagResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("moa engine decode: %w", err)
	}

	res := &BatchResult{
		ModelVersion: out.ModelVersion,
		Results:      make(map[string]TagResult, len(out.Results)),
	}
	for _, r := range out.Results {
		if strings.TrimSpace(r.NCTID) != "" {
			res.Results[r.NCTID] = r
		}
	}
	return res, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		// 429 mit Quota-Hinweis bedeutet: Kontingent weg, Retry ist sinnlos.
		if bytes.Contains(bytes.ToLower(body), []byte("quota")) {
			return fmt.Errorf("%w: moa engine status %d", providers.ErrQuotaExhausted, status)
		}
		return fmt.Errorf("%w: moa engine status %d", providers.ErrRateLimited, status)
	case status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: moa engine status %d", providers.ErrQuotaExhausted, status)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: moa engine status %d: %s", providers.ErrBadRequest, status, truncate(body, 512))
	default:
		return fmt.Errorf("%w: moa engine status %d", providers.ErrUnavailable, status)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
