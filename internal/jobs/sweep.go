package jobs

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/cache"
)

// SweepJob periodically removes entity cache entries older than the
// staleness threshold, bounding worst-case memory independent of read
// traffic. The threshold is longer than the per-read TTL; expired-but-fresh
// entries stay resident until either a read overwrites them or the sweep
// collects them.
type SweepJob struct {
	cache     *cache.EntityCache
	staleness time.Duration
	interval  time.Duration
	done      chan struct{}
}

func NewSweepJob(c *cache.EntityCache, staleness, interval time.Duration) *SweepJob {
	return &SweepJob{
		cache:     c,
		staleness: staleness,
		interval:  interval,
		done:      make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cache sweep job started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("cache sweep job stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	if removed := j.cache.DeleteStale(j.staleness); removed > 0 {
		log.Info().Int("count", removed).Msg("swept stale cache entries")
	}
}
