package ctgov

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"trial-scout/config"
	"trial-scout/models"
	"trial-scout/providers"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// Fetcher kapselt die Logik zur Interaktion mit dem Studienregister.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher erstellt eine neue Instanz des Register-Fetchers.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "ctgov"
}

// SearchCondition führt eine seitenweise Freitextsuche über das Register aus.
func (f *Fetcher) SearchCondition(ctx context.Context, query string, maxRecords int) ([]*models.TrialRecord, error) {
	log := f.Logger.With(zap.String("query", query))
	log.Info("Starte Register-Suche.")

	var records []*models.TrialRecord
	pageToken := ""
	for page := 0; page < f.Config.RegistryMaxPages; page++ {
		searchURL := f.buildSearchURL(query, pageToken)
		log.Debug("Rufe Register-Such-URL auf", zap.String("url", searchURL))

		resp, err := f.get(ctx, searchURL)
		if err != nil {
			return records, err
		}

		if len(resp.Studies) == 0 {
			break
		}
		for i := range resp.Studies {
			rec := mapStudyToModel(&resp.Studies[i])
			if rec == nil {
				continue
			}
			records = append(records, rec)
			if maxRecords > 0 && len(records) >= maxRecords {
				log.Info("Register-Suche abgeschlossen (Limit erreicht)", zap.Int("total", len(records)))
				return records, nil
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	log.Info("Register-Suche abgeschlossen", zap.Int("total", len(records)))
	return records, nil
}

// FetchStatusBatch holt aktuelle Metadaten für eine Liste bereits normalisierter IDs.
// Der Aufrufer ist für Batch-Größe und Payload-Limit verantwortlich.
func (f *Fetcher) FetchStatusBatch(ctx context.Context, ids []string) (map[string]*models.TrialRecord, error) {
	if len(ids) == 0 {
		return map[string]*models.TrialRecord{}, nil
	}
	log := f.Logger.With(zap.Int("batch_size", len(ids)))
	log.Debug("Starte Batch-Status-Lookup.")

	u := fmt.Sprintf("%s/studies?filter.ids=%s&pageSize=%d",
		strings.TrimRight(f.Config.RegistryBaseURL, "/"),
		url.QueryEscape(strings.Join(ids, "|")),
		len(ids))

	resp, err := f.get(ctx, u)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.TrialRecord, len(resp.Studies))
	for i := range resp.Studies {
		rec := mapStudyToModel(&resp.Studies[i])
		if rec != nil {
			out[rec.NCTID] = rec
		}
	}
	log.Debug("Batch-Status-Lookup abgeschlossen", zap.Int("returned", len(out)))
	return out, nil
}

func (f *Fetcher) buildSearchURL(query, pageToken string) string {
	base := strings.TrimRight(f.Config.RegistryBaseURL, "/")
	u := fmt.Sprintf("%s/studies?query.cond=%s&pageSize=%d",
		base, url.QueryEscape(query), f.Config.RegistryPageSize)
	if pageToken != "" {
		u += "&pageToken=" + url.QueryEscape(pageToken)
	}
	return u
}

// get führt den HTTP-Aufruf aus und übersetzt Statuscodes in unsere Fehlerklassen.
func (f *Fetcher) get(ctx context.Context, rawURL string) (*StudiesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// weiter unten dekodieren
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: registry status %d", providers.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		f.Logger.Error("Register-API hat Client-Fehler zurückgegeben",
			zap.Int("status", resp.StatusCode),
			zap.String("url", rawURL),
			zap.String("body", string(body)))
		return nil, fmt.Errorf("%w: registry status %d: %s", providers.ErrBadRequest, resp.StatusCode, string(body))
	default:
		return nil, fmt.Errorf("%w: registry status %d", providers.ErrUnavailable, resp.StatusCode)
	}

	var studies StudiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&studies); err != nil {
		return nil, fmt.Errorf("registry decode: %w", err)
	}
	return &studies, nil
}

// mapStudyToModel konvertiert ein Register-Study-Objekt in unser internes TrialRecord-Modell.
func mapStudyToModel(study *Study) *models.TrialRecord {
	p := &study.ProtocolSection
	nctID := NormalizeNCTID(p.IdentificationModule.NCTID)
	if nctID == "" {
		return nil
	}

	now := time.Now().UTC()
	rec := &models.TrialRecord{
		NCTID:             nctID,
		Title:             p.IdentificationModule.BriefTitle,
		BriefSummary:      p.DescriptionModule.BriefSummary,
		RecruitmentStatus: normalizeStatus(p.StatusModule.OverallStatus),
		StudyType:         strings.ToUpper(strings.TrimSpace(p.DesignModule.StudyType)),
		Phase:             strings.Join(p.DesignModule.Phases, ", "),
		Conditions:        p.ConditionsModule.Conditions,
		EligibilityText:   p.EligibilityModule.EligibilityCriteria,
		MinAgeYears:       parseAgeYears(p.EligibilityModule.MinimumAge),
		MaxAgeYears:       parseAgeYears(p.EligibilityModule.MaximumAge),
		Sex:               strings.ToUpper(strings.TrimSpace(p.EligibilityModule.Sex)),
		ExclusionKeywords: extractExclusionCriteria(p.EligibilityModule.EligibilityCriteria),
		LastVerifiedAt:    &now,
	}

	for _, iv := range p.ArmsInterventionsModule.Interventions {
		rec.Interventions = append(rec.Interventions, models.Intervention{
			Name: iv.Name,
			Type: strings.ToUpper(strings.TrimSpace(iv.Type)),
		})
	}
	for _, loc := range p.ContactsLocationsModule.Locations {
		s := strings.TrimSpace(strings.Trim(loc.City+", "+loc.Country, ", "))
		if s != "" {
			rec.Locations = append(rec.Locations, s)
		}
	}

	if raw, err := json.Marshal(study); err == nil {
		rec.RawPayload = raw
	}
	return rec
}

func normalizeStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return models.StatusUnknown
	}
	return s
}

// extractExclusionCriteria zieht die Stichpunkte unterhalb von "Exclusion Criteria"
// aus dem Eligibility-Freitext (kleingeschrieben, ohne Aufzählungszeichen).
func extractExclusionCriteria(text string) []string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, "exclusion criteria")
	if idx < 0 {
		return nil
	}
	var out []string
	for _, line := range strings.Split(text[idx:], "\n")[1:] {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "*-•~ \t")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, strings.ToLower(line))
		if len(out) >= 40 {
			break
		}
	}
	return out
}
