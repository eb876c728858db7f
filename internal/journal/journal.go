package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizportal/portal-realtime/internal/eventbus"
	"github.com/bizportal/portal-realtime/internal/router"
)

// Row is one journaled event.
type Row struct {
	ID         string
	Topic      string
	Payload    []byte // Raw JSON, nil when the event carried no data
	ReceivedAt time.Time
}

// Inserter persists batches of rows. It returns how many rows were
// skipped as duplicates.
type Inserter interface {
	Insert(ctx context.Context, rows []Row) (conflicts int, err error)
}

// Config configures the journal.
type Config struct {
	BatchSize     int           // Rows per insert
	FlushInterval time.Duration // Max time a row waits in the buffer
	BufferSize    int           // Max rows held while the database is slow
	FlushTimeout  time.Duration // Deadline for the final flush on Stop
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
		FlushTimeout:  10 * time.Second,
	}
}

// Stats contains journal counters.
type Stats struct {
	Received  int64 // Events handed to the journal
	Dropped   int64 // Events rejected because the buffer was full
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Buffered  int
}

// Journal appends domain events from the event bus to durable storage.
// It is an audit trail only: nothing reads the rows back.
type Journal struct {
	cfg      Config
	inserter Inserter
	logger   *slog.Logger

	buffer  *Buffer[Row]
	flushCh chan struct{}

	// Bus subscriptions
	subMu sync.Mutex
	bus   *eventbus.Bus
	subs  []eventbus.Subscription

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	mu      sync.Mutex
	metrics Stats
}

// New creates a journal writing through inserter.
func New(cfg Config, inserter Inserter, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < cfg.BatchSize {
		cfg.BufferSize = cfg.BatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}

	return &Journal{
		cfg:      cfg,
		inserter: inserter,
		logger:   logger,
		buffer:   NewBuffer[Row](cfg.BatchSize, cfg.BufferSize),
		flushCh:  make(chan struct{}, 1),
	}
}

// Attach subscribes the journal to topics on bus.
func (j *Journal) Attach(bus *eventbus.Bus, topics []string) {
	j.subMu.Lock()
	defer j.subMu.Unlock()

	j.bus = bus
	for _, topic := range topics {
		j.subs = append(j.subs, bus.Subscribe(topic, j.Handle))
	}
}

// Detach removes the journal's subscriptions.
func (j *Journal) Detach() {
	j.subMu.Lock()
	defer j.subMu.Unlock()

	for _, sub := range j.subs {
		j.bus.Unsubscribe(sub)
	}
	j.subs = nil
}

// Start begins the flush loop.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
		"buffer_size", j.cfg.BufferSize,
	)
	return nil
}

// Stop detaches from the bus, stops the flush loop and writes what is
// still buffered.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	j.Detach()
	j.buffer.Close()

	if j.cancel != nil {
		j.cancel()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	// Final flush with its own deadline; the loop context is gone
	flushCtx, cancel := context.WithTimeout(context.Background(), j.cfg.FlushTimeout)
	defer cancel()
	j.flushAll(flushCtx)

	j.logger.Info("journal stopped", "stats", j.Stats())
	return nil
}

// Stats returns current counters.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	s := j.metrics
	j.mu.Unlock()
	s.Buffered = j.buffer.Len()
	return s
}

// Handle is the event bus handler. It never blocks on the database.
func (j *Journal) Handle(payload any) {
	ev, ok := payload.(router.Event)
	if !ok {
		return
	}

	j.mu.Lock()
	j.metrics.Received++
	j.mu.Unlock()

	if !j.buffer.Send(transform(ev)) {
		j.mu.Lock()
		j.metrics.Dropped++
		j.mu.Unlock()
		j.logger.Warn("journal buffer full, dropping event", "topic", ev.Topic, "id", ev.ID)
		return
	}

	if j.buffer.Len() >= j.cfg.BatchSize {
		select {
		case j.flushCh <- struct{}{}:
		default:
		}
	}
}

// transform converts an event to a row. Events without an id get one so
// the primary key holds.
func transform(ev router.Event) Row {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	var payload []byte
	if len(ev.Payload) > 0 {
		payload = append([]byte(nil), ev.Payload...)
	}

	return Row{
		ID:         id,
		Topic:      ev.Topic,
		Payload:    payload,
		ReceivedAt: receivedAt.UTC(),
	}
}

// flushLoop flushes on the interval and whenever a full batch is waiting.
func (j *Journal) flushLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.flushAll(j.ctx)
		case <-j.flushCh:
			j.flushAll(j.ctx)
		}
	}
}

// flushAll writes batches until the buffer is empty or an insert fails.
func (j *Journal) flushAll(ctx context.Context) {
	for {
		batch := j.buffer.DrainTo(j.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		if !j.flush(ctx, batch) {
			return
		}
	}
}

// flush writes one batch. Failed batches are logged and discarded; the
// journal is best effort and must not hold the channel back.
func (j *Journal) flush(ctx context.Context, batch []Row) bool {
	start := time.Now()

	conflicts, err := j.inserter.Insert(ctx, batch)
	if err != nil {
		j.logger.Error("journal insert failed", "error", err, "count", len(batch))
		j.mu.Lock()
		j.metrics.Errors++
		j.mu.Unlock()
		return false
	}

	j.mu.Lock()
	j.metrics.Inserts += int64(len(batch) - conflicts)
	j.metrics.Conflicts += int64(conflicts)
	j.metrics.Flushes++
	j.mu.Unlock()

	j.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return true
}
