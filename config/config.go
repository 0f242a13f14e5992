package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4300"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Externes Studienregister (ClinicalTrials.gov API v2 kompatibel)
	RegistryBaseURL      string `envconfig:"REGISTRY_BASE_URL" default:"https://clinicaltrials.gov/api/v2"`
	RegistryPageSize     int    `envconfig:"REGISTRY_PAGE_SIZE" default:"100"`
	RegistryMaxPages     int    `envconfig:"REGISTRY_MAX_PAGES" default:"10"`
	RegistryBatchSize    int    `envconfig:"REGISTRY_BATCH_SIZE" default:"100"`
	RegistryPayloadLimit int    `envconfig:"REGISTRY_PAYLOAD_LIMIT" default:"6000"`

	// Vektor-Index für Ähnlichkeitssuche über Trial-Embeddings
	VectorIndexBaseURL   string `envconfig:"VECTOR_INDEX_BASE_URL"`
	VectorIndexAPIKey    string `envconfig:"VECTOR_INDEX_API_KEY"`
	VectorIndexNamespace string `envconfig:"VECTOR_INDEX_NAMESPACE" default:"trials"`
	VectorIndexTopK      int    `envconfig:"VECTOR_INDEX_TOP_K" default:"200"`

	// MoA-Engine (Text-Understanding-Service für Mechanism-of-Action-Tagging)
	MoAEngineBaseURL  string  `envconfig:"MOA_ENGINE_BASE_URL" required:"true"`
	MoAEngineAPIKey   string  `envconfig:"MOA_ENGINE_API_KEY"`
	MoAEngineModel    string  `envconfig:"MOA_ENGINE_MODEL" default:"moa-tagger-v3"`
	TaggingBatchSize  int     `envconfig:"TAGGING_BATCH_SIZE" default:"20"`
	TaggingMaxRetries int     `envconfig:"TAGGING_MAX_RETRIES" default:"4"`
	RetagConfidence   float64 `envconfig:"RETAG_CONFIDENCE_THRESHOLD" default:"0.55"`
	QASampleSize      int     `envconfig:"QA_SAMPLE_SIZE" default:"30"`

	// Freshness-SLA und Refresh-Budgets
	FreshnessSLAHours    int           `envconfig:"FRESHNESS_SLA_HOURS" default:"24"`
	DisplayRefreshBudget time.Duration `envconfig:"DISPLAY_REFRESH_BUDGET" default:"5s"`
	IncrementalSinceDays int           `envconfig:"INCREMENTAL_SINCE_DAYS" default:"7"`
	IncrementalLimit     int           `envconfig:"INCREMENTAL_LIMIT" default:"2000"`

	// Kandidaten-Grenzen für Discovery
	CandidateMin int `envconfig:"CANDIDATE_MIN" default:"200"`
	CandidateMax int `envconfig:"CANDIDATE_MAX" default:"1000"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 2 * * *"`

	// Redis als Read-Through-Cache für MoA-Vektoren (optional)
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// S3-Archiv für Match-Provenance-Snapshots (optional)
	SnapshotS3Key    string `envconfig:"SNAPSHOT_S3_KEY"`
	SnapshotS3Secret string `envconfig:"SNAPSHOT_S3_SECRET"`
	SnapshotS3URL    string `envconfig:"SNAPSHOT_S3_URL"`
	SnapshotS3Region string `envconfig:"SNAPSHOT_S3_REGION"`
	SnapshotS3Bucket string `envconfig:"SNAPSHOT_S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// FreshnessSLA gibt das SLA-Fenster als Duration zurück.
func (c *Config) FreshnessSLA() time.Duration {
	return time.Duration(c.FreshnessSLAHours) * time.Hour
}

// SnapshotsEnabled meldet, ob das S3-Archiv konfiguriert ist.
func (c *Config) SnapshotsEnabled() bool {
	return c.SnapshotS3URL != "" && c.SnapshotS3Bucket != ""
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
