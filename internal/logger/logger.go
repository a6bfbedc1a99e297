// Package logger implements a non-blocking, batched access log for forwarded
// requests.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the forwarding path. If
// the channel fills up (> 10 000 entries), new entries are dropped and counted
// in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TygarWright/Deepseek-Rotator/internal/activity"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

type Logger struct {
	ch        chan activity.Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan activity.Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues e. Never blocks.
func (l *Logger) Log(e activity.Entry) {
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes pending entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]activity.Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.write(ctx, e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

// write emits one access-log line. Prompt and response text are left to the
// admin log; only their sizes are recorded here.
func (l *Logger) write(ctx context.Context, e activity.Entry) {
	level := slog.LevelInfo
	if e.Exhausted || e.Status >= 500 {
		level = slog.LevelWarn
	}
	l.log.Log(ctx, level, "forward",
		slog.String("id", e.ID.String()),
		slog.String("request_id", e.RequestID),
		slog.String("model", e.Model),
		slog.Int("key_index", e.KeyIndex),
		slog.String("key", e.KeyMasked),
		slog.Int("status", e.Status),
		slog.Int("attempts", e.Attempts),
		slog.Bool("exhausted", e.Exhausted),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.Int("prompt_chars", len(e.Prompt)),
		slog.Int("response_chars", len(e.Response)),
		slog.Time("created_at", normalizeTime(e.Time)),
	)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
