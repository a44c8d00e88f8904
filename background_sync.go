package transcoder

import (
	"context"
	"fmt"

	"github.com/tryfix/log"
)

// startSweeper evicts expired cache entries every ttl. Lookups already treat expired
// entries as misses, the sweep only releases them.
func (r *Registry) startSweeper(ctx context.Context) {
	ticker := r.options.clock.Ticker(r.options.cacheTTL)
	logger := r.logger.NewLog(log.Prefixed(`ttl-sweep`))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		logger.Debug(`schema cache sweep routine started`)
		for {
			select {
			case <-ticker.C:
				if n := r.evictExpired(); n > 0 {
					logger.Debug(fmt.Sprintf(`%d expired schema/s evicted`, n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) evictExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, s := range r.idMap {
		if r.expired(s) {
			delete(r.idMap, id)
			evicted++
		}
	}

	return evicted
}
