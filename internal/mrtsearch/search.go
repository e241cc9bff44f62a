package mrtsearch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/bgpkit/monocle/internal/broker"
)

var (
	filesDiscovered = metrics.NewCounter("monocle_mrt_files_discovered_total")
	filesCompleted  = metrics.NewCounter("monocle_mrt_files_completed_total")
	filesFailed     = metrics.NewCounter("monocle_mrt_files_failed_total")
	elementsMatched = metrics.NewCounter("monocle_mrt_elements_matched_total")
)

// Event is the union of progress events MrtSearchEngine emits (spec §4.8
// phases 1, 3, 4, 5). At most one field besides Kind is populated
// (none for EventQueryingBroker).
type Event struct {
	Kind EventKind

	FilesFound    int
	FileStarted   *FileStarted
	FileCompleted *FileCompleted
	Progress      *ProgressUpdate
	Completed     *SearchSummary
}

type EventKind string

const (
	EventQueryingBroker EventKind = "QueryingBroker"
	EventFilesFound     EventKind = "FilesFound"
	EventFileStarted    EventKind = "FileStarted"
	EventFileCompleted  EventKind = "FileCompleted"
	EventProgressUpdate EventKind = "ProgressUpdate"
	EventCompleted      EventKind = "Completed"
)

type FileStarted struct {
	Index     int
	Total     int
	URL       string
	Collector string
}

type FileCompleted struct {
	Index         int
	Total         int
	MessagesFound uint64
	Success       bool
	Err           error
}

type ProgressUpdate struct {
	FilesCompleted int
	TotalFiles     int
	TotalMessages  uint64
	PercentDone    float64
	ElapsedSecs    float64
	ETASecs        float64 // undefined (0) until at least one file completes
	HasETA         bool
}

// SearchSummary is the terminal result of a Search call (spec §4.8 phase 5).
type SearchSummary struct {
	TotalFiles     int
	SuccessfulFiles int
	FailedFiles    int
	TotalMessages  uint64
	Duration       time.Duration
	FilesPerSec    float64
	Elements       []MrtElement // populated only in collect mode
}

// Engine is the MrtSearchEngine (spec §4.8): broker discovery fanned out
// across a bounded worker pool of ParseEngine runs.
type Engine struct {
	Broker      *broker.Client
	Parallelism int
	Log         zerolog.Logger
}

// Search runs one broker-driven search. sink receives every matching
// element as it is decoded, from possibly-concurrent workers (spec
// §4.8's concurrency contract: the engine does not serialize delivery).
// If collect is true, every matched element is also accumulated into the
// returned SearchSummary.Elements. events, if non-nil, receives every
// phase event in happens-before order relative to file completion.
func (e *Engine) Search(ctx context.Context, filter SearchFilter, sink Sink, collect bool, events func(Event)) (SearchSummary, error) {
	emit := func(ev Event) {
		if events != nil {
			events(ev)
		}
	}

	emit(Event{Kind: EventQueryingBroker})
	items, err := e.Broker.Search(ctx, broker.Query{
		TsStart:   filter.TimeStart,
		TsEnd:     filter.TimeEnd,
		Project:   filter.Project,
		Collector: filter.Collector,
		DumpType:  toBrokerDumpType(filter.Dump),
	})
	if err != nil {
		return SearchSummary{}, err
	}
	filesDiscovered.Add(len(items))
	emit(Event{Kind: EventFilesFound, FilesFound: len(items)})

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	if parallelism > len(items) {
		parallelism = len(items)
	}
	if parallelism == 0 {
		return SearchSummary{}, nil
	}

	start := time.Now()
	var (
		totalMessages   uint64
		completedCount  int64
		successCount    int64
		mu              sync.Mutex
		collected       []MrtElement
		// progressByIndex records each file's processed-element count as
		// its progress ticks arrive. It is local to this call (not exposed
		// to callers) and read back only for the per-file trace log;
		// xsync.Map suits the many-writer/occasional-reader shape.
		progressByIndex = xsync.NewMap[int, uint64]()
	)

	guardedSink := func(el MrtElement) {
		elementsMatched.Inc()
		sink(el)
		if collect {
			mu.Lock()
			collected = append(collected, el)
			mu.Unlock()
		}
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine := &ParseEngine{Log: e.Log}
			for idx := range jobs {
				if ctx.Err() != nil {
					return
				}
				item := items[idx]
				emit(Event{Kind: EventFileStarted, FileStarted: &FileStarted{
					Index: idx, Total: len(items), URL: item.URL, Collector: item.Collector,
				}})

				var fileMessages uint64
				perFileSink := func(el MrtElement) {
					atomic.AddUint64(&fileMessages, 1)
					guardedSink(el)
				}
				progressByIndex.Store(idx, 0)
				progressFn := func(t ProgressTick) {
					progressByIndex.Store(idx, t.Processed)
					if v, ok := progressByIndex.Load(idx); ok {
						e.Log.Trace().Int("file", idx).Uint64("processed", v).Msg("mrt: file progress")
					}
				}

				err := engine.Parse(ctx, item.URL, filter, perFileSink, progressFn)
				success := err == nil
				if success {
					atomic.AddInt64(&successCount, 1)
					filesCompleted.Inc()
				} else {
					filesFailed.Inc()
				}
				atomic.AddUint64(&totalMessages, fileMessages)
				done := atomic.AddInt64(&completedCount, 1)

				emit(Event{Kind: EventFileCompleted, FileCompleted: &FileCompleted{
					Index: idx, Total: len(items), MessagesFound: fileMessages, Success: success, Err: err,
				}})

				elapsed := time.Since(start).Seconds()
				pu := &ProgressUpdate{
					FilesCompleted: int(done),
					TotalFiles:     len(items),
					TotalMessages:  atomic.LoadUint64(&totalMessages),
					PercentDone:    100 * float64(done) / float64(len(items)),
					ElapsedSecs:    elapsed,
				}
				if done > 0 {
					pu.ETASecs = elapsed * float64(len(items)-int(done)) / float64(done)
					pu.HasETA = true
				}
				emit(Event{Kind: EventProgressUpdate, Progress: pu})
			}
		}()
	}

	// select on ctx.Done() here too: workers stop consuming jobs the
	// moment they see cancellation, so a plain blocking send would
	// deadlock this goroutine against workers that already exited.
dispatch:
	for i := range items {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	duration := time.Since(start)
	summary := SearchSummary{
		TotalFiles:      len(items),
		SuccessfulFiles: int(successCount),
		FailedFiles:     len(items) - int(successCount),
		TotalMessages:   totalMessages,
		Duration:        duration,
		FilesPerSec:     filesPerSec(len(items), duration),
	}
	if collect {
		summary.Elements = collected
	}
	emit(Event{Kind: EventCompleted, Completed: &summary})
	return summary, nil
}

// toBrokerDumpType maps a mrtsearch.DumpType ("updates"/"rib"/"rib+updates")
// onto the broker API's own data_type values ("update"/"rib"/""). The two
// enums don't share a wire representation, so this must be an explicit
// table rather than a cast: DumpTypeRIBUpdates has no single broker
// data_type, so it queries both kinds (empty DumpType).
func toBrokerDumpType(d DumpType) broker.DumpType {
	switch d {
	case DumpTypeUpdates:
		return broker.DumpTypeUpdate
	case DumpTypeRIB:
		return broker.DumpTypeRIB
	default:
		return broker.DumpTypeAny
	}
}

func filesPerSec(total int, d time.Duration) float64 {
	secs := d.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(total) / secs
}
