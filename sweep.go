package hashpool

import (
	"context"
	"fmt"

	"github.com/aweris/hashpool/internal/digest"
	"github.com/aweris/hashpool/internal/store"
	"go.uber.org/zap"
)

// ProgressFunc is called once per well-formed pool entry during a sweep.
// evicted is true when the entry is gone from the pool afterwards.
type ProgressFunc func(d string, evicted bool)

// SweepStats summarizes a sweep.
type SweepStats struct {
	Visited int
	Kept    int
	Evicted int
	// Skipped counts directories and names that are not digests.
	Skipped int
	// Failed counts entries left in place because eviction, or the check
	// after it, returned an error.
	Failed int
}

// Sweep evicts every pool entry that refs does not report as referenced.
// References are fetched once per leaf shard. An error from refs or a
// cancelled ctx stops the sweep; eviction failures are logged and counted.
func (p *Pool) Sweep(ctx context.Context, refs ReferencePredicate, progress ProgressFunc) (SweepStats, error) {
	var stats SweepStats
	if progress == nil {
		progress = func(string, bool) {}
	}

	err := walkShards(p.pool, func(s1, s2 string, entries []store.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		prefix := s1 + s2
		referenced, err := refs.ReferencedWithPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("query references with prefix %s: %w", prefix, err)
		}

		for _, e := range entries {
			if e.IsDir || !digest.Valid(e.Name) || e.Name[:4] != prefix {
				stats.Skipped++
				continue
			}
			stats.Visited++

			if referenced[e.Name] {
				stats.Kept++
				progress(e.Name, false)
				continue
			}

			failed := false
			if err := p.Evict(e.Name); err != nil {
				failed = true
				p.log.Warn("sweep: evict", zap.String("digest", e.Name), zap.Error(err))
			}
			p.cache.Remove(e.Name)
			_, present, err := p.pool.Stat(e.Name)
			if err != nil {
				failed = true
				p.log.Warn("sweep: stat after evict", zap.String("digest", e.Name), zap.Error(err))
			}
			evicted := err == nil && !present
			switch {
			case evicted:
				stats.Evicted++
			case failed:
				stats.Failed++
			}
			p.metrics.Swept(evicted)
			progress(e.Name, evicted)
		}
		return nil
	})

	p.log.Info("sweep finished",
		zap.Int("visited", stats.Visited),
		zap.Int("kept", stats.Kept),
		zap.Int("evicted", stats.Evicted),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Error(err))
	return stats, err
}
