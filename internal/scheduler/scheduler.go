// Package scheduler fans processing units out across workers. Units are
// fully independent: no ordering is guaranteed between them and no unit's
// failure affects another.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/xtal-tools/stillsproc/internal/pipeline"
	"github.com/xtal-tools/stillsproc/internal/units"
)

// Method selects the fan-out strategy.
type Method string

const (
	// MethodPool runs units on a fixed-size in-process worker pool.
	MethodPool Method = "pool"
	// MethodStride statically partitions units across cooperating
	// distributed processes by (index+rank) % size, with no runtime
	// coordination between ranks.
	MethodStride Method = "stride"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodPool, MethodStride:
		return Method(s), nil
	default:
		return "", fmt.Errorf("unknown parallelism method %q (want pool or stride)", s)
	}
}

// Work processes one unit to its terminal outcome. Implementations must be
// self-contained: every invocation works on its own configuration copy.
type Work func(item units.WorkItem) pipeline.Outcome

// Run dispatches every item to the work function under the given method and
// returns the outcomes of the units this process handled, in input order.
func Run(method Method, items []units.WorkItem, nproc, rank, size int, work Work) ([]pipeline.Outcome, error) {
	switch method {
	case MethodPool:
		return runPool(items, nproc, work), nil
	case MethodStride:
		if size < 1 {
			return nil, fmt.Errorf("stride scheduling requires size >= 1, got %d", size)
		}
		if rank < 0 || rank >= size {
			return nil, fmt.Errorf("rank %d out of range for size %d", rank, size)
		}
		return runStride(items, rank, size, work), nil
	default:
		return nil, fmt.Errorf("unknown parallelism method %q", method)
	}
}

// runPool processes items on nproc concurrent workers. A panicking unit is
// surfaced as a failed outcome; it never takes the pool down.
func runPool(items []units.WorkItem, nproc int, work Work) []pipeline.Outcome {
	if nproc < 1 {
		nproc = 1
	}

	outcomes := make([]pipeline.Outcome, len(items))
	semaphore := make(chan struct{}, nproc)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(idx int, item units.WorkItem) {
			defer wg.Done()
			semaphore <- struct{}{}        // Acquire
			defer func() { <-semaphore }() // Release

			defer func() {
				if r := recover(); r != nil {
					slog.Error("Worker panic", "tag", item.Tag, "panic", r)
					outcomes[idx] = pipeline.FailedAt(item.Tag, pipeline.StageInternal, fmt.Errorf("worker panic: %v", r))
				}
			}()

			outcomes[idx] = work(item)
		}(i, item)
	}

	wg.Wait()
	return outcomes
}

// runStride processes this rank's static share of the items sequentially.
func runStride(items []units.WorkItem, rank, size int, work Work) []pipeline.Outcome {
	var outcomes []pipeline.Outcome
	for i, item := range items {
		if (i+rank)%size != 0 {
			continue
		}
		outcomes = append(outcomes, work(item))
	}
	return outcomes
}
