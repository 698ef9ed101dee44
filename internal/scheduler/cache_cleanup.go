package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/cache"
)

// CacheCleanupJob purges expired response cache entries. Reads already
// ignore stale rows; this just keeps cache.db from growing unbounded.
type CacheCleanupJob struct {
	cache *cache.Store
	log   zerolog.Logger
}

// NewCacheCleanupJob creates the hourly cache cleanup job.
func NewCacheCleanupJob(cacheStore *cache.Store, log zerolog.Logger) *CacheCleanupJob {
	return &CacheCleanupJob{
		cache: cacheStore,
		log:   log.With().Str("job", "cache_cleanup").Logger(),
	}
}

// Name returns the job name.
func (j *CacheCleanupJob) Name() string {
	return "cache_cleanup"
}

// Run deletes expired cache entries.
func (j *CacheCleanupJob) Run() error {
	deleted, err := j.cache.DeleteExpired()
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Debug().Int64("deleted", deleted).Msg("Purged expired cache entries")
	}
	return nil
}
