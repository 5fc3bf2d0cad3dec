// Package pgsink persists mediation events to Postgres. Log never blocks: events are
// buffered on a bounded channel and written in batches by a background flusher.
package pgsink

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/waterfall/config"
)

// Record is one persisted event.
type Record struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	OccurredAt time.Time
	Event      string
	AdType     string
	Placement  string
	Attrs      map[string]string
}

// Writer persists a batch of records.
type Writer interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// Options tunes buffering.
type Options struct {
	SessionID     uuid.UUID
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Logger        *log.Logger
	Clock         func() time.Time
}

// Sink implements sink.Sink over a Writer.
type Sink struct {
	writer  Writer
	opts    Options
	logger  *log.Logger
	records chan Record
	done    chan struct{}
	closing sync.Once
	flusher conc.WaitGroup

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// New starts a sink writing through w.
func New(w Writer, opts Options) *Sink {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SessionID == uuid.Nil {
		opts.SessionID = uuid.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "pgsink ", log.LstdFlags|log.Lmicroseconds)
	}
	s := &Sink{
		writer:  w,
		opts:    opts,
		logger:  logger,
		records: make(chan Record, opts.BufferSize),
		done:    make(chan struct{}),
	}
	s.flusher.Go(s.run)
	return s
}

// Log enqueues the event; when the buffer is full or the sink is closed it is dropped.
func (s *Sink) Log(name string, attrs map[string]string) {
	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}
	rec := Record{
		ID:         uuid.New(),
		SessionID:  s.opts.SessionID,
		OccurredAt: s.opts.Clock().UTC(),
		Event:      name,
		AdType:     attrs["ad_type"],
		Placement:  attrs["placement"],
		Attrs:      cloneAttrs(attrs),
	}
	select {
	case s.records <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports events lost to overflow or closure.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Written reports events persisted successfully.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Failed reports events in batches the writer rejected.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

// Close stops the flusher after writing everything buffered.
func (s *Sink) Close() {
	s.closing.Do(func() { close(s.done) })
	s.flusher.Wait()
}

func (s *Sink) run() {
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	batch := make([]Record, 0, s.opts.BatchSize)
	for {
		select {
		case rec := <-s.records:
			batch = append(batch, rec)
			if len(batch) >= s.opts.BatchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.done:
			for {
				select {
				case rec := <-s.records:
					batch = append(batch, rec)
					if len(batch) >= s.opts.BatchSize {
						batch = s.flush(batch)
					}
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *Sink) flush(batch []Record) []Record {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.writer.WriteBatch(ctx, batch); err != nil {
		s.failed.Add(uint64(len(batch)))
		s.logger.Printf("write %d events: %v", len(batch), err)
	} else {
		s.written.Add(uint64(len(batch)))
	}
	return batch[:0]
}

func cloneAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

const insertEvent = `INSERT INTO ad_events (id, session_id, occurred_at, event, ad_type, placement, attrs)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// PoolWriter writes batches through a pgx connection pool.
type PoolWriter struct {
	pool *pgxpool.Pool
}

// NewPoolWriter wraps pool.
func NewPoolWriter(pool *pgxpool.Pool) *PoolWriter {
	return &PoolWriter{pool: pool}
}

// WriteBatch inserts records in one round trip.
func (w *PoolWriter) WriteBatch(ctx context.Context, records []Record) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		attrs, err := json.Marshal(rec.Attrs)
		if err != nil {
			return fmt.Errorf("encode attrs for %s: %w", rec.Event, err)
		}
		batch.Queue(insertEvent, rec.ID, rec.SessionID, rec.OccurredAt, rec.Event, rec.AdType, rec.Placement, string(attrs))
	}
	results := w.pool.SendBatch(ctx, batch)
	for range records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert event: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

// Open connects to Postgres, optionally migrates, and starts a sink. The returned
// closer flushes the sink and closes the pool.
func Open(ctx context.Context, cfg config.PostgresConfig, session uuid.UUID, logger *log.Logger) (*Sink, func(), error) {
	if cfg.Migrate {
		if err := Migrate(ctx, cfg.DSN, logger); err != nil {
			return nil, nil, err
		}
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(NewPoolWriter(pool), Options{
		SessionID:     session,
		BufferSize:    cfg.BufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		Logger:        logger,
	})
	closer := func() {
		s.Close()
		pool.Close()
	}
	return s, closer, nil
}
