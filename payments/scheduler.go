package payments

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ebicsgw/models"
	"ebicsgw/observability/metrics"
)

// StateEntry keys for the per-connection backoff window; persisting them keeps
// a flapping connection backed off across restarts.
const (
	stateKeyFailures    = "sync_failures"
	stateKeyNextAttempt = "sync_next_attempt"
)

// Scheduler periodically syncs every ready connection: submit pending
// payments, then fetch and ingest new statements. Connections are serialized
// individually; distinct connections sync concurrently.
type Scheduler struct {
	db        *gorm.DB
	factory   ClientFactory
	submitter *Submitter
	ingestor  *Ingestor
	logger    *slog.Logger
	now       func() time.Time
	metrics   *metrics.GatewayMetrics

	interval   time.Duration
	maxBackoff time.Duration

	mu     sync.Mutex
	states map[uuid.UUID]*connState
}

// connState carries the per-connection serialization lock and backoff window.
type connState struct {
	mu          sync.Mutex
	failures    int
	nextAttempt time.Time
}

// SchedulerConfig tunes the sync loop; zero values get defaults.
type SchedulerConfig struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewScheduler builds a scheduler over the given database and client factory.
func NewScheduler(db *gorm.DB, factory ClientFactory, submitter *Submitter, ingestor *Ingestor, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		db:         db,
		factory:    factory,
		submitter:  submitter,
		ingestor:   ingestor,
		logger:     cfg.Logger,
		now:        cfg.Now,
		metrics:    metrics.Gateway(),
		interval:   cfg.Interval,
		maxBackoff: cfg.MaxBackoff,
		states:     make(map[uuid.UUID]*connState),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts a sync for every due connection; a connection still syncing
// from the previous tick is skipped, never queued twice.
func (s *Scheduler) tick(ctx context.Context) {
	var conns []models.BankConnection
	if err := s.db.Where("protocol = ?", models.ProtocolEbics).Find(&conns).Error; err != nil {
		s.logger.Error("list connections", "err", err)
		return
	}
	for i := range conns {
		conn := conns[i]
		if !conn.Ready() {
			continue
		}
		state := s.state(conn.ID)
		if s.now().Before(state.nextAttempt) {
			continue
		}
		if !state.mu.TryLock() {
			continue
		}
		go func() {
			defer state.mu.Unlock()
			s.syncOne(ctx, &conn, state)
		}()
	}
}

func (s *Scheduler) state(id uuid.UUID) *connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = s.loadState(id)
		s.states[id] = st
	}
	return st
}

func (s *Scheduler) loadState(id uuid.UUID) *connState {
	st := &connState{}
	var entries []models.StateEntry
	if err := s.db.Where("connection_id = ?", id).Find(&entries).Error; err != nil {
		s.logger.Warn("load sync state", "err", err)
		return st
	}
	for _, e := range entries {
		switch e.Key {
		case stateKeyFailures:
			if n, err := strconv.Atoi(e.Value); err == nil {
				st.failures = n
			}
		case stateKeyNextAttempt:
			if ts, err := time.Parse(time.RFC3339Nano, e.Value); err == nil {
				st.nextAttempt = ts
			}
		}
	}
	return st
}

func (s *Scheduler) persistState(id uuid.UUID, st *connState) {
	entries := []models.StateEntry{
		{ConnectionID: id, Key: stateKeyFailures, Value: strconv.Itoa(st.failures), UpdatedAt: s.now()},
		{ConnectionID: id, Key: stateKeyNextAttempt, Value: st.nextAttempt.Format(time.RFC3339Nano), UpdatedAt: s.now()},
	}
	for i := range entries {
		if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entries[i]).Error; err != nil {
			s.logger.Warn("persist sync state", "err", err)
			return
		}
	}
}

// SyncConnection runs one submit+fetch round immediately, outside the loop.
// The API's manual trigger endpoints use it.
func (s *Scheduler) SyncConnection(ctx context.Context, conn *models.BankConnection) error {
	state := s.state(conn.ID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return s.sync(ctx, conn)
}

func (s *Scheduler) syncOne(ctx context.Context, conn *models.BankConnection, state *connState) {
	if err := s.sync(ctx, conn); err != nil {
		state.failures++
		backoff := s.interval << uint(min(state.failures, 20))
		if backoff > s.maxBackoff || backoff <= 0 {
			backoff = s.maxBackoff
		}
		state.nextAttempt = s.now().Add(backoff)
		s.persistState(conn.ID, state)
		s.logger.Warn("sync failed", "connection", conn.Name, "failures", state.failures, "backoff", backoff, "err", err)
		return
	}
	state.failures = 0
	state.nextAttempt = time.Time{}
	s.persistState(conn.ID, state)
}

func (s *Scheduler) sync(ctx context.Context, conn *models.BankConnection) error {
	client, err := s.factory(conn)
	if err != nil {
		return err
	}

	start := s.now()
	if _, err := s.submitter.SubmitPending(ctx, conn, client); err != nil {
		s.metrics.SyncFailure(conn.Name, "submit")
		return err
	}
	s.metrics.ObserveSync(conn.Name, "submit", s.now().Sub(start).Seconds())

	start = s.now()
	if err := s.ingestor.FetchStatements(ctx, conn, client); err != nil {
		s.metrics.SyncFailure(conn.Name, "fetch")
		return err
	}
	s.metrics.ObserveSync(conn.Name, "fetch", s.now().Sub(start).Seconds())
	return nil
}
