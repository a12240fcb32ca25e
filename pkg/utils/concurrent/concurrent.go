/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package concurrent

import (
	"sync"
)

// Exec runs fn count times in parallel and returns the number of successful
// runs plus the first error observed.
func Exec(count int, fn func() error) (int, error) {
	if count == 0 || fn == nil {
		return 0, nil
	}
	var wg sync.WaitGroup
	wg.Add(count)
	errCh := make(chan error, count)
	defer close(errCh)

	for i := 0; i < count; i++ {
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	successes := count - len(errCh)
	if len(errCh) > 0 {
		err := <-errCh
		return successes, err
	}
	return successes, nil
}

// ForEach runs fn over the indexes [0, count) with at most workers goroutines
// in flight. Used for per-server fan-out where the fleet can be larger than
// the number of goroutines worth spawning.
func ForEach(count, workers int, fn func(index int)) {
	if count == 0 || fn == nil {
		return
	}
	if workers <= 0 || workers > count {
		workers = count
	}
	indexes := make(chan int, count)
	for i := 0; i < count; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for index := range indexes {
				fn(index)
			}
		}()
	}
	wg.Wait()
}
