package dlag

import (
	"runtime"
	"sync"
)

// ParallelFor runs fn(i) for i in [0, n) on a bounded worker pool of the given
// degree (GOMAXPROCS when degree <= 0). Callers are responsible for fn being
// safe to run concurrently; outputs should be written to per-index slots so
// that any later reduction can happen in deterministic index order. The E-step
// uses this for per-trial inference; external cross-validation and bootstrap
// drivers can use it as their fold-level parallel map.
func ParallelFor(n, degree int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if degree <= 0 {
		degree = runtime.GOMAXPROCS(0)
	}
	if degree > n {
		degree = n
	}
	if degree == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(degree)
	for w := 0; w < degree; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}
