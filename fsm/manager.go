package fsm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	fsmTable = "fsm"
	idIndex  = "id"
	runIndex = "run"

	tracerName = "fsm"

	defaultMaxRetries      = 3
	defaultArchiveInterval = time.Minute
)

var (
	fsmSchema = &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			fsmTable: {
				Name: fsmTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: ulidIndexer{},
					},
					runIndex: {
						Name:    runIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
)

type Manager struct {
	logger logrus.FieldLogger

	tracer trace.Tracer

	wg sync.WaitGroup

	db *memdb.MemDB

	store *store

	fsms map[fsmKey]*fsm

	maxRetries uint64

	mu      sync.RWMutex
	running map[ulid.ULID]context.CancelCauseFunc
}

type fsmKey struct {
	name string

	action string
}

type Config struct {
	Logger logrus.FieldLogger

	// DBPath is the directory to use for persisting FSM state.
	DBPath string

	// MaxRetries bounds how many times a failing transition is retried
	// before the run halts. Zero means the default of 3.
	MaxRetries uint64

	// ArchiveInterval is how often finished runs are moved to the history db.
	ArchiveInterval time.Duration
}

// New creates a new FSM manager to register and run FSMs.
func New(cfg Config) (*Manager, error) {
	memDB, err := memdb.NewMemDB(fsmSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb, %w", err)
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = defaultArchiveInterval
	}

	if err := os.MkdirAll(cfg.DBPath, 0o700); err != nil {
		return nil, fmt.Errorf("failed to setup DB path: %w", err)
	}

	tracer := otel.GetTracerProvider().Tracer(tracerName,
		trace.WithInstrumentationVersion("0.1.0"),
	)

	store, err := newStore(cfg.Logger.WithField("sys", "fsm-store"), tracer, cfg.DBPath, memDB, cfg.ArchiveInterval)
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:     cfg.Logger.WithField("sys", "fsm"),
		tracer:     tracer,
		store:      store,
		db:         memDB,
		fsms:       map[fsmKey]*fsm{},
		maxRetries: cfg.MaxRetries,
		running:    map[ulid.ULID]context.CancelCauseFunc{},
	}, nil
}

// Shutdown sends a stop signal to all FSMs and blocks until they have all stopped.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.logger.WithField("shutdown_timeout", timeout).Info("shutting down")

	m.mu.RLock()
	for id, cancel := range m.running {
		m.logger.WithField("fsm_id", id.String()).Info("shutting down fsm")
		cancel(nil)
	}
	m.mu.RUnlock()

	wait := make(chan struct{})
	go func() {
		defer close(wait)
		m.wg.Wait()
	}()

	select {
	case <-wait:
		m.logger.Info("all FSMs have shutdown")
	case <-time.After(timeout):
		m.logger.Warn("timed out waiting for FSMs to shutdown")
	}

	if err := m.store.Close(); err != nil {
		m.logger.WithError(err).Error("failed to close store")
	}

	m.logger.Info("shutdown complete")
}

type ActiveKey struct {
	Action  string
	Version ulid.ULID
}

type ActiveSet map[ActiveKey]RunState

// Active returns the unfinished runs for the given id keyed by action and
// run version, which can be used to wait for the run to complete.
func (m *Manager) Active(ctx context.Context, id string) (ActiveSet, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	active := ActiveSet{}

	it, err := txn.Get(fsmTable, runIndex, id)
	if err != nil {
		return nil, err
	}

	for next := it.Next(); next != nil; next = it.Next() {
		rs := next.(runState)
		if rs.State == RunStateComplete {
			continue
		}
		active[ActiveKey{Action: rs.Action, Version: rs.StartVersion}] = rs.State
	}

	return active, nil
}

// Cancel sends a cancel signal to the FSM should it exist. It does not block until the FSM has
// completed so callers should use Wait to ensure the FSM has stopped, if needed. The cause is
// what Wait reports for the run.
func (m *Manager) Cancel(ctx context.Context, version ulid.ULID, cause error) error {
	m.mu.RLock()
	f, ok := m.running[version]
	m.mu.RUnlock()
	if !ok {
		return ErrFsmNotFound
	}

	f(cause)
	return nil
}

// History returns the archived record of a finished run.
func (m *Manager) History(ctx context.Context, version ulid.ULID) (*HistoryEvent, error) {
	return m.store.History(ctx, version)
}

// Wait blocks until the run with the given version completes and returns the
// error that stopped it, if any.
func (m *Manager) Wait(ctx context.Context, version ulid.ULID) error {
	var (
		v      = version.String()
		logger = m.logger.WithField("start_version", v)
	)

	logger.Debug("waiting for FSM to finish")
	defer logger.Debug("done waiting for FSM to finish")
	for {
		done, err := m.waitOnce(ctx, v, version)
		if done || err != nil {
			return err
		}
	}
}

func (m *Manager) waitOnce(ctx context.Context, v string, version ulid.ULID) (bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	ch, item, err := txn.FirstWatch(fsmTable, idIndex, v)
	switch {
	case err != nil:
		return true, err
	case item == nil:
		// Lookup from the store in case the FSM has already completed.
		return true, m.historyError(ctx, version)
	}

	state, ok := item.(runState)
	switch {
	case !ok:
		return true, fmt.Errorf("unexpected type %T", item)
	case state.State == RunStateComplete:
		return true, state.Error.Err
	}

	ws := memdb.NewWatchSet()
	ws.Add(ch)
	if err := ws.WatchCtx(ctx); err != nil {
		return true, err
	}
	return false, nil
}

func (m *Manager) historyError(ctx context.Context, version ulid.ULID) error {
	he, err := m.store.History(ctx, version)
	switch {
	case errors.Is(err, ErrFsmNotFound):
		return nil
	case err != nil:
		return err
	case he.lastError() != "":
		return &haltError{err: errors.New(he.lastError())}
	default:
		return nil
	}
}
