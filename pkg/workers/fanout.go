package workers

import (
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fanout runs fn(0) .. fn(n-1) concurrently and returns once every call has
// finished. Calls are never cancelled. A panicking call is recovered and
// reported through the returned error; the others still run to completion.
func (m *Manager) Fanout(n int, fn func(i int)) error {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() (err error) {
			m.opts.Stats.Resolvers.Begin()
			start := time.Now()
			defer func() {
				m.opts.Stats.Resolvers.End(time.Since(start))
				if r := recover(); r != nil {
					err = fmt.Errorf("lookup task %d panicked: %v", i, r)
				}
			}()
			fn(i)
			return nil
		})
	}
	return g.Wait()
}
