package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trial-scout/models"
)

// Store ist die GORM-Implementierung von TrialStore und MoAStore.
type Store struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewStore erstellt einen neuen Store.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{DB: db, Logger: logger}
}

// SearchLocal sucht Kandidaten per ILIKE über Titel und Conditions.
func (s *Store) SearchLocal(ctx context.Context, terms []string, limit int) ([]*models.TrialRecord, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	query := s.DB.WithContext(ctx).Model(&models.TrialRecord{})
	var conditions []string
	var args []interface{}
	for _, term := range terms {
		conditions = append(conditions, "title ILIKE ? OR conditions::text ILIKE ?")
		args = append(args, "%"+term+"%", "%"+term+"%")
	}
	query = query.Where("("+joinOr(conditions)+")", args...)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*models.TrialRecord
	if err := query.Order("last_verified_at desc nulls last").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// FindByNCTIDs lädt Records für die gegebenen IDs.
func (s *Store) FindByNCTIDs(ctx context.Context, ids []string) ([]*models.TrialRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []*models.TrialRecord
	if err := s.DB.WithContext(ctx).Where("nct_id IN ?", ids).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListVerifiedBefore liefert die ältesten Records für den inkrementellen Refresh.
func (s *Store) ListVerifiedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.TrialRecord, error) {
	query := s.DB.WithContext(ctx).
		Where("last_verified_at IS NULL OR last_verified_at < ?", cutoff).
		Order("last_verified_at asc nulls first")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []*models.TrialRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Upsert schreibt einen TrialRecord atomar, gekeyt über die NCT-ID.
func (s *Store) Upsert(ctx context.Context, rec *models.TrialRecord) error {
	updateColumns := []string{
		"title", "brief_summary", "recruitment_status", "study_type", "phase",
		"conditions", "interventions", "locations", "eligibility_text",
		"min_age_years", "max_age_years", "sex", "exclusion_keywords",
		"content_checksum", "last_verified_at", "raw_payload", "updated_at",
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "nct_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(rec).Error
}

// GetVectors lädt die MoA-Vektoren für die gegebenen IDs.
func (s *Store) GetVectors(ctx context.Context, ids []string) (map[string]*models.MoAVector, error) {
	out := make(map[string]*models.MoAVector, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var vectors []*models.MoAVector
	if err := s.DB.WithContext(ctx).Where("nct_id IN ?", ids).Find(&vectors).Error; err != nil {
		return nil, err
	}
	for _, v := range vectors {
		out[v.NCTID] = v
	}
	return out, nil
}

// UpsertVector ersetzt den MoA-Vektor einer Studie als Ganzes.
func (s *Store) UpsertVector(ctx context.Context, vec *models.MoAVector) error {
	updateColumns := []string{
		"vector", "confidence", "tagging_checksum",
		"source", "model_version", "tagged_at", "updated_at",
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "nct_id"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(vec).Error
}

func joinOr(conditions []string) string {
	out := ""
	for i, c := range conditions {
		if i > 0 {
			out += " OR "
		}
		out += "(" + c + ")"
	}
	return out
}
