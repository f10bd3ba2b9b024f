package memory

import (
	"context"
	"time"

	"github.com/juju/clock"
)

// RunDemoInserter inserts a {"timestamp": <unix ms>} document into every
// named collection on each tick until ctx is done.
func (s *Store) RunDemoInserter(ctx context.Context, clk clock.Clock, interval time.Duration, collections []string) {
	if interval <= 0 || len(collections) == 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-clk.After(interval):
			for _, name := range collections {
				if _, err := s.Insert(name, map[string]interface{}{"timestamp": now.UnixMilli()}); err != nil {
					s.logger.Warn("Demo insert failed", "collection", name, "error", err)
				}
			}
		}
	}
}
