package posedb

import (
	"context"
	"time"
)

// RunRetention deletes runs older than keep once immediately and then on
// every tick of every, until ctx is done. A non-positive keep disables
// pruning.
func (db *DB) RunRetention(ctx context.Context, keep, every time.Duration) {
	if keep <= 0 {
		return
	}
	if every <= 0 {
		every = time.Hour
	}
	prune := func() {
		n, err := db.PruneBefore(ctx, time.Now().Add(-keep))
		if err != nil {
			if ctx.Err() == nil {
				logf("prune runs older than %v: %v", keep, err)
			}
			return
		}
		if n > 0 {
			logf("pruned %d run(s) older than %v", n, keep)
		}
	}

	prune()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
