// Benchmark harness for taskqueue, measuring claim-and-process throughput
// against the in-memory backend. Swap memdb.New() for a db/redisdb
// instance to benchmark against a real backend.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/relaydb/taskqueue"
	"github.com/relaydb/taskqueue/db"
	"github.com/relaydb/taskqueue/db/memdb"
)

type result struct {
	name     string
	tasks    int
	workers  int
	duration time.Duration
	rate     float64
}

func seedTasks(database *memdb.DB, tasksRef db.Ref, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := database.Push(ctx, tasksRef, map[string]any{
			"_state": "queued",
			"n":      i,
		})
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
	}
}

// runProcessing seeds numTasks, starts concurrency workers against the
// same Spec, and reports how long it takes to drain them all.
func runProcessing(numTasks, concurrency int) result {
	database := memdb.New()
	tasksRef := db.NewPathRef("tasks")
	seedTasks(database, tasksRef, numTasks)

	var processed int64
	done := make(chan struct{})

	processFn := func(data map[string]any, progress taskqueue.ProgressFunc, resolve taskqueue.ResolveFunc, reject taskqueue.RejectFunc) {
		if n := atomic.AddInt64(&processed, 1); n == int64(numTasks) {
			close(done)
		}
		_ = resolve(nil)
	}

	workers := make([]*taskqueue.QueueWorker, 0, concurrency)
	start := "queued"
	for i := 0; i < concurrency; i++ {
		w, err := taskqueue.NewQueueWorker(tasksRef, database, fmt.Sprintf("bench-%d", i), true, true, processFn)
		if err != nil {
			log.Fatalf("new queue worker: %v", err)
		}
		w.SetTaskSpec(&taskqueue.Spec{
			StartState:      &start,
			InProgressState: "in_progress",
		})
		workers = append(workers, w)
	}

	startTime := time.Now()
	timeout := time.After(2 * time.Minute)
	select {
	case <-done:
	case <-timeout:
		log.Printf("WARNING: timed out with %d/%d processed", atomic.LoadInt64(&processed), numTasks)
	}
	elapsed := time.Since(startTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	for _, w := range workers {
		_ = w.Shutdown(ctx)
	}
	cancel()

	count := atomic.LoadInt64(&processed)
	return result{
		name:     fmt.Sprintf("processing (workers=%d)", concurrency),
		tasks:    numTasks,
		workers:  concurrency,
		duration: elapsed,
		rate:     float64(count) / elapsed.Seconds(),
	}
}

func printSummary(results []result) {
	fmt.Println()
	fmt.Println("=================== BENCHMARK SUMMARY ===================")
	for _, r := range results {
		fmt.Printf("%-28s tasks=%-8d workers=%-4d duration=%-12s rate=%.2f tasks/sec\n",
			r.name, r.tasks, r.workers, r.duration, r.rate)
	}
	fmt.Println("===========================================================")
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("CPU cores: %d, GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	var results []result
	for _, workers := range []int{1, 4, 16, 64} {
		log.Printf("running processing benchmark with %d workers", workers)
		results = append(results, runProcessing(20000, workers))
	}

	printSummary(results)
}
