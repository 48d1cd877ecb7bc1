// Package reqlog implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the router's
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in DroppedLogs.
//
// Grounded on the teacher's internal/logger, which buffers the same way
// but only ever emits via slog — its doc comment says "the managed
// version connects to ClickHouse for analytics" without ever wiring it.
// This package builds that wiring: when a ClickHouse DSN is configured,
// flush sends a native batch insert; otherwise it falls back to the
// teacher's slog emission so the router still logs with no infra beyond
// Redis.
package reqlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	insertQuery = `INSERT INTO request_log
		(request_id, provider, model, input_tokens, output_tokens, latency_ms, status, created_at)
		VALUES`
)

// Entry is one completed request. Mirrors internal/httpapi.RequestLogEntry
// field for field; kept as a distinct type so this package has no import
// dependency on internal/httpapi.
type Entry struct {
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Status       int
	CreatedAt    time.Time
}

// Logger batches Entry values and flushes them to ClickHouse, or to slog
// when no DSN is configured.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	conn    driver.Conn
}

// New creates a Logger. dsn may be empty, in which case every entry is
// emitted through slogger instead of ClickHouse. slogger defaults to a
// JSON handler on stdout when nil, same as the teacher's logger.New.
func New(ctx context.Context, dsn string, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("reqlog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	if dsn != "" {
		conn, err := connect(dsn)
		if err != nil {
			return nil, fmt.Errorf("reqlog: connecting to clickhouse: %w", err)
		}
		l.conn = conn
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func connect(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	return conn, nil
}

// Log enqueues entry for the background flusher. Never blocks: a full
// channel drops the entry and increments DroppedLogs.
func (l *Logger) Log(entry Entry) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs reports how many entries were dropped due to a full buffer.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close flushes any remaining entries and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if l.conn != nil {
			if err := l.flushClickHouse(ctx, batch); err != nil {
				l.log.ErrorContext(ctx, "reqlog_flush_failed", slog.String("error", err.Error()))
				l.flushSlog(ctx, batch)
			}
		} else {
			l.flushSlog(ctx, batch)
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

func (l *Logger) flushClickHouse(ctx context.Context, batch []Entry) error {
	b, err := l.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.RequestID,
			e.Provider,
			e.Model,
			uint32(e.InputTokens),
			uint32(e.OutputTokens),
			uint32(e.LatencyMs),
			uint16(e.Status),
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("appending row: %w", err)
		}
	}
	return b.Send()
}

func (l *Logger) flushSlog(ctx context.Context, batch []Entry) {
	for _, e := range batch {
		l.log.InfoContext(ctx, "request",
			slog.String("request_id", e.RequestID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.Int("input_tokens", e.InputTokens),
			slog.Int("output_tokens", e.OutputTokens),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Int("status", e.Status),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
