// utils/poll.go
package utils

import (
	"context"
	"time"
)

// Poll repeatedly invokes check every interval until it reports done, the
// attempts are exhausted, or the context is cancelled. It returns true
// only when check reported done. The first check runs immediately.
func Poll(ctx context.Context, attempts int, interval time.Duration, check func() bool) bool {
	for i := 0; i < attempts; i++ {
		if check() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}
