package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trial-scout/models"
)

const moaCacheKeyPrefix = "moa:"

// MoACache ist ein Read-Through-Cache vor dem MoA-Store. Jeder Key wird als
// ganzes Dokument (Checksumme + Vektor zusammen) geswappt, damit kein Leser
// je eine Checksumme sieht, die nicht zum Vektor passt. Ohne Redis reicht der
// Cache transparent an den Store durch.
type MoACache struct {
	Inner  MoAStore
	Redis  *redis.Client
	Logger *zap.Logger
	TTL    time.Duration
}

// NewMoACache erstellt den Cache. rdb darf nil sein.
func NewMoACache(inner MoAStore, rdb *redis.Client, logger *zap.Logger) *MoACache {
	return &MoACache{Inner: inner, Redis: rdb, Logger: logger, TTL: 24 * time.Hour}
}

// GetVectors liest erst aus Redis und füllt Cache-Misses aus dem Store nach.
// Redis-Fehler degradieren still zum Store-Lookup.
func (c *MoACache) GetVectors(ctx context.Context, ids []string) (map[string]*models.MoAVector, error) {
	out := make(map[string]*models.MoAVector, len(ids))
	missing := ids

	if c.Redis != nil && len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = moaCacheKeyPrefix + id
		}
		values, err := c.Redis.MGet(ctx, keys...).Result()
		if err != nil {
			c.Logger.Debug("Redis-MGet fehlgeschlagen, falle auf Store zurück", zap.Error(err))
		} else {
			missing = nil
			for i, raw := range values {
				s, ok := raw.(string)
				if !ok || s == "" {
					missing = append(missing, ids[i])
					continue
				}
				var vec models.MoAVector
				if err := json.Unmarshal([]byte(s), &vec); err != nil {
					missing = append(missing, ids[i])
					continue
				}
				out[ids[i]] = &vec
			}
		}
	}

	if len(missing) > 0 {
		fromStore, err := c.Inner.GetVectors(ctx, missing)
		if err != nil {
			return nil, err
		}
		for id, vec := range fromStore {
			out[id] = vec
			c.cacheSet(ctx, vec)
		}
	}
	return out, nil
}

// UpsertVector schreibt erst durabel in den Store und swappt danach das
// Cache-Dokument als Ganzes.
func (c *MoACache) UpsertVector(ctx context.Context, vec *models.MoAVector) error {
	if err := c.Inner.UpsertVector(ctx, vec); err != nil {
		return err
	}
	c.cacheSet(ctx, vec)
	return nil
}

func (c *MoACache) cacheSet(ctx context.Context, vec *models.MoAVector) {
	if c.Redis == nil || vec == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := c.Redis.Set(ctx, moaCacheKeyPrefix+vec.NCTID, raw, c.TTL).Err(); err != nil {
		c.Logger.Debug("Redis-Set fehlgeschlagen", zap.String("nct_id", vec.NCTID), zap.Error(err))
	}
}
