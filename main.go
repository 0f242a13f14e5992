package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"trial-scout/config"
	"trial-scout/models"
	"trial-scout/providers/ctgov"
	"trial-scout/providers/moaengine"
	"trial-scout/providers/vectorindex"
	"trial-scout/services"
	"trial-scout/storage"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	matchRequestsCounter    prometheus.Counter
	trialsDiscoveredCounter prometheus.Counter
	trialsRefreshedCounter  prometheus.Counter
	trialsTaggedCounter     prometheus.Counter
)

func init() {
	matchRequestsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "match_requests_total",
			Help: "Total number of patient match requests served.",
		},
	)
	trialsDiscoveredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trials_discovered_total",
			Help: "Total number of new trials discovered via the live registry.",
		},
	)
	trialsRefreshedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trials_refreshed_total",
			Help: "Total number of trial records re-verified against the registry.",
		},
	)
	trialsTaggedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trials_tagged_total",
			Help: "Total number of trials tagged with a mechanism-of-action vector.",
		},
	)
	prometheus.MustRegister(matchRequestsCounter, trialsDiscoveredCounter, trialsRefreshedCounter, trialsTaggedCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to trial database.")

	// Auto-Migration
	if gin.Mode() == gin.DebugMode {
		logging.Info("Debug mode detected. Dropping tables for fresh start.")
		db.Migrator().DropTable(&models.TrialRecord{}, &models.MoAVector{})
	}
	logging.Info("Running database auto-migration...")
	db.AutoMigrate(&models.TrialRecord{}, &models.MoAVector{})

	// Optionaler Redis-Cache für MoA-Vektoren
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logging.Warn("Redis nicht erreichbar, MoA-Cache läuft ohne Redis", zap.Error(err))
			rdb = nil
		} else {
			logging.Info("Redis MoA cache connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	// Setup Providers
	registry := ctgov.NewFetcher(cfg, logging)
	index := vectorindex.NewClient(cfg, logging)
	tagger := moaengine.NewClient(cfg, logging)

	// Setup Services
	store := storage.NewStore(db, logging)
	moaStore := services.NewMoACache(store, rdb, logging)
	discoveryService := services.NewDiscoveryService(cfg, store, index, registry, logging)
	refreshService := services.NewRefreshService(cfg, store, registry, logging)
	taggingService := services.NewTaggingService(cfg, store, moaStore, tagger, logging)
	matchService := services.NewMatchService(cfg, discoveryService, refreshService, taggingService, logging)

	// Optionales S3-Archiv für Provenance-Snapshots
	var snapshotClient snapshotArchive
	if cfg.SnapshotsEnabled() {
		client, err := storage.NewS3Client(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		snapshotClient = snapshotArchive{client: client, cfg: cfg, log: logging}
		logging.Info("Provenance snapshot archive enabled", zap.String("bucket", cfg.SnapshotS3Bucket))
	}

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupMatchRoutes(router, matchService, snapshotClient, logging)
	setupTrialRoutes(router, db, cfg, logging)
	setupAdminRoutes(router, refreshService, taggingService, logging)

	// Setup Cron: nächtlicher Refresh der ältesten Records plus Tagging-Lauf.
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled incremental refresh...")
		count, err := refreshService.RefreshIncremental(context.Background(), 0, 0)
		if err != nil {
			logging.Error("Cron refresh failed", zap.Error(err))
		} else {
			logging.Info("Cron refresh completed", zap.Int("refreshed", count))
			trialsRefreshedCounter.Add(float64(count))
		}

		logging.Info("Running scheduled tagging job...")
		outcome, err := taggingService.RunScheduled(context.Background())
		if err != nil {
			logging.Error("Cron tagging failed", zap.Error(err))
		} else {
			logging.Info("Cron tagging completed",
				zap.Int("tagged", outcome.Tagged),
				zap.Float64("qa_error_rate", outcome.QAErrorRate()))
			trialsTaggedCounter.Add(float64(outcome.Tagged))

			// Lauf-Statistik ins Archiv, damit die QA-Fehlerquote über die
			// Zeit nachvollziehbar bleibt.
			if snapshotClient.client != nil {
				if _, err := storage.ArchiveSnapshot(snapshotClient.client, snapshotClient.cfg, "tagging-runs", outcome); err != nil {
					logging.Warn("Tagging outcome snapshot upload failed", zap.Error(err))
				}
			}
		}
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// snapshotArchive bündelt den optionalen S3-Upload der Match-Provenance.
type snapshotArchive struct {
	client *s3.Client
	cfg    *config.Config
	log    *zap.Logger
}

func setupMatchRoutes(router *gin.Engine, matchService *services.MatchService, archive snapshotArchive, log *zap.Logger) {
	rg := router.Group("/match")

	// POST - Patientenprofil rein, gerankte Trial-Liste raus.
	// Der Body wird generisch gelesen, damit Upstream-Systeme mit
	// unterschiedlich verschachtelten Profilen (flat, diagnosis.*, patient.*)
	// denselben Endpunkt verwenden können.
	rg.POST("/", func(c *gin.Context) {
		raw := map[string]any{}
		if err := c.ShouldBindJSON(&raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		profile := services.ResolveProfile(raw)
		if strings.TrimSpace(profile.Condition) == "" && len(profile.Biomarkers) == 0 && profile.MechanismVector.AllZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "profile needs at least a condition, biomarkers or a mechanism vector"})
			return
		}

		maxResults := int(services.ResolveFloat(raw, "max_results", "limit"))

		result := matchService.Match(c.Request.Context(), profile, maxResults)
		matchRequestsCounter.Inc()
		trialsDiscoveredCounter.Add(float64(result.Provenance.SourceCounts[services.SourceRegistry]))
		trialsRefreshedCounter.Add(float64(result.Provenance.RefreshedCount))
		trialsTaggedCounter.Add(float64(result.Provenance.FreshlyTaggedCount))

		// Provenance-Snapshot asynchron archivieren, Antwort wartet nicht darauf.
		if archive.client != nil {
			prov := result.Provenance
			go func() {
				if _, err := storage.ArchiveProvenance(archive.client, archive.cfg, prov); err != nil {
					archive.log.Warn("Provenance snapshot upload failed",
						zap.String("request_id", prov.RequestID), zap.Error(err))
				}
			}()
		}

		c.JSON(http.StatusOK, result)
	})
}

func setupTrialRoutes(router *gin.Engine, db *gorm.DB, cfg *config.Config, log *zap.Logger) {
	rg := router.Group("/trials")

	// Einfacher GET-Endpunkt, um Records abzurufen (ohne Filter)
	rg.GET("/", func(c *gin.Context) {
		var trials []models.TrialRecord
		if err := db.Limit(500).Order("last_verified_at desc nulls last").Find(&trials).Error; err != nil {
			log.Error("Database query for all trials failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, trials)
	})

	// GET - einzelner Record inkl. MoA-Vektor
	rg.GET("/:nctId", func(c *gin.Context) {
		nctID := ctgov.NormalizeNCTID(c.Param("nctId"))
		if nctID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid nct id"})
			return
		}

		var trial models.TrialRecord
		if err := db.Where("nct_id = ?", nctID).First(&trial).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "trial not found"})
				return
			}
			log.Error("DB error fetching trial", zap.String("nct_id", nctID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		type TrialWithVector struct {
			models.TrialRecord
			MoA         *models.MoAVector `json:"moa,omitempty"`
			MoAUpToDate bool              `json:"moa_up_to_date"`
		}
		out := TrialWithVector{TrialRecord: trial}
		var vec models.MoAVector
		if err := db.Where("nct_id = ?", nctID).First(&vec).Error; err == nil {
			out.MoA = &vec
			out.MoAUpToDate = vec.ValidFor(trial.ContentChecksum)
		}
		c.JSON(http.StatusOK, out)
	})

	// Body-gesteuerter Endpunkt für komplexe Abfragen
	rg.POST("/query", func(c *gin.Context) {
		type TrialQuery struct {
			Condition         string `json:"condition"`
			RecruitmentStatus string `json:"recruitment_status"`
			StudyType         string `json:"study_type"`
			Phase             string `json:"phase"`
			StaleOnly         *bool  `json:"stale_only"`
			Limit             int    `json:"limit"`
		}

		var req TrialQuery
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		query := db.Model(&models.TrialRecord{})

		if req.Condition != "" {
			query = query.Where("title ILIKE ? OR conditions::text ILIKE ?",
				"%"+req.Condition+"%", "%"+req.Condition+"%")
		}
		if req.RecruitmentStatus != "" {
			query = query.Where("recruitment_status = ?", strings.ToUpper(req.RecruitmentStatus))
		}
		if req.StudyType != "" {
			query = query.Where("study_type = ?", strings.ToUpper(req.StudyType))
		}
		if req.Phase != "" {
			query = query.Where("phase = ?", req.Phase)
		}
		if req.StaleOnly != nil && *req.StaleOnly {
			cutoff := time.Now().Add(-cfg.FreshnessSLA())
			query = query.Where("last_verified_at IS NULL OR last_verified_at < ?", cutoff)
		}
		if req.Limit > 0 {
			query = query.Limit(req.Limit)
		}

		var trials []models.TrialRecord
		if err := query.Order("last_verified_at desc nulls last").Find(&trials).Error; err != nil {
			log.Error("Database query for trials failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		c.JSON(http.StatusOK, trials)
	})
}

func setupAdminRoutes(router *gin.Engine, refreshService *services.RefreshService, taggingService *services.TaggingService, log *zap.Logger) {
	// POST - inkrementellen Refresh asynchron anstoßen
	router.POST("/refresh/incremental", func(c *gin.Context) {
		var req struct {
			SinceDays int `json:"since_days"`
			Limit     int `json:"limit"`
		}
		// Body ist optional, Defaults kommen aus der Config.
		_ = c.ShouldBindJSON(&req)

		go func() {
			count, err := refreshService.RefreshIncremental(context.Background(), req.SinceDays, req.Limit)
			if err != nil {
				log.Error("Async incremental refresh failed", zap.Error(err))
			} else {
				log.Info("Async incremental refresh completed", zap.Int("refreshed", count))
				trialsRefreshedCounter.Add(float64(count))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Incremental refresh triggered."})
	})

	// POST - Tagging-Lauf asynchron anstoßen
	router.POST("/tagging/run", func(c *gin.Context) {
		go func() {
			outcome, err := taggingService.RunScheduled(context.Background())
			if err != nil {
				log.Error("Async tagging run failed", zap.Error(err))
			} else {
				log.Info("Async tagging run completed",
					zap.Int("tagged", outcome.Tagged),
					zap.Int("failed_batches", outcome.FailedBatches),
					zap.Float64("qa_error_rate", outcome.QAErrorRate()))
				trialsTaggedCounter.Add(float64(outcome.Tagged))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Tagging run triggered."})
	})
}
