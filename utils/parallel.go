package utils

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// GroupWorkFunc runs for one contiguous chunk [from, to) of the work.
type GroupWorkFunc func(groupNum, from, to int)

// GroupWorkParallel splits totalSize items into at most workers contiguous groups and
// runs them concurrently. It returns once every group is done. A panic in any group is
// recovered and returned as an error after all the other groups finish.
func GroupWorkParallel(ctx context.Context, totalSize, workers int, groupWork GroupWorkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if totalSize <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = ParallelFactor
	}
	if workers > totalSize {
		workers = totalSize
	}
	groupSize := totalSize / workers
	extra := totalSize % workers

	var (
		wait    sync.WaitGroup
		errMu   sync.Mutex
		combErr error
	)
	wait.Add(workers)
	from := 0
	for groupNum := 0; groupNum < workers; groupNum++ {
		size := groupSize
		if groupNum < extra {
			size++
		}
		groupNum, start, end := groupNum, from, from+size
		from = end
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			defer func() {
				if thePanic := recover(); thePanic != nil {
					errMu.Lock()
					combErr = multierr.Combine(combErr, fmt.Errorf("panic in work group %d: %v", groupNum, thePanic))
					errMu.Unlock()
				}
			}()
			groupWork(groupNum, start, end)
		})
	}
	wait.Wait()
	return combErr
}
