package fsm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	stateDB   = "fsm-state.db"
	historyDB = "fsm-history.db"

	keySeparator = "#"
)

var (
	activeBucket  = []byte("ACTIVE")
	archiveBucket = []byte("ARCHIVE")
	eventsBucket  = []byte("EVENTS")
	historyBucket = "HISTORY"

	errInvalidEventType = errors.New("invalid event type")
)

func joinKey(parts ...string) []byte {
	return []byte(strings.Join(parts, keySeparator))
}

// store persists run events in bbolt. Active runs live in the state db;
// finished runs are moved by the archive loop into per-day buckets of the
// history db.
type store struct {
	logger logrus.FieldLogger

	tracer trace.Tracer

	cancel context.CancelFunc

	db *bbolt.DB

	history *bbolt.DB

	memDB *memdb.MemDB

	archiveInterval time.Duration

	// archiveCh signals the archive loop to run and is closed when it exits.
	archiveCh chan struct{}
}

func newStore(logger logrus.FieldLogger, tracer trace.Tracer, path string, memDB *memdb.MemDB, archiveInterval time.Duration) (*store, error) {
	db, err := bbolt.Open(filepath.Join(path, stateDB), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{activeBucket, eventsBucket, archiveBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	history, err := bbolt.Open(filepath.Join(path, historyDB), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	if archiveInterval <= 0 {
		archiveInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &store{
		logger:          logger,
		tracer:          tracer,
		cancel:          cancel,
		archiveCh:       make(chan struct{}),
		archiveInterval: archiveInterval,
		db:              db,
		history:         history,
		memDB:           memDB,
	}

	go s.archive(ctx)

	return s, nil
}

func (s *store) Close() error {
	s.logger.Debug("shutting down store")

	s.cancel()
	<-s.archiveCh

	var err error
	if cerr := s.db.Close(); cerr != nil {
		err = fmt.Errorf("failed to close state db, %w", cerr)
	}
	if cerr := s.history.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close history db, %w", cerr))
	}
	return err
}

type archiveEvent struct {
	archiveKey []byte

	historyEvent *HistoryEvent
}

func (s *store) runArchive(ctx context.Context) {
	ctx, rootSpan := s.tracer.Start(ctx, "store.archive")
	defer rootSpan.End()

	archiveEvents := map[string][]*archiveEvent{}

	_, gatherSpan := s.tracer.Start(ctx, "store.archive.gather")
	s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(archiveBucket).ForEach(func(k, v []byte) error {
			var ae ActiveEvent
			if err := json.Unmarshal(v, &ae); err != nil {
				s.logger.WithError(err).Error("failed to unmarshal active event")
				gatherSpan.RecordError(err)
				return nil
			}

			version, err := ulid.ParseStrict(ae.StartVersion)
			if err != nil {
				s.logger.WithError(err).Error("failed to unmarshal version")
				gatherSpan.RecordError(err)
				return nil
			}

			var se StateEvent
			if err := json.Unmarshal(tx.Bucket(eventsBucket).Get([]byte(ae.EndEvent)), &se); err != nil {
				s.logger.WithError(err).Error("failed to unmarshal end event")
				gatherSpan.RecordError(err)
				return nil
			}

			startDate := ulid.Time(version.Time()).UTC().Format(time.DateOnly)
			archiveEvents[startDate] = append(archiveEvents[startDate], &archiveEvent{
				archiveKey: append([]byte(nil), k...),
				historyEvent: &HistoryEvent{
					ActiveEvent: &ae,
					LastEvent:   &se,
				},
			})
			return nil
		})
	})
	gatherSpan.End()

	switch {
	case ctx.Err() != nil:
		return
	case len(archiveEvents) == 0:
		s.logger.Debug("no finished runs to archive")
		return
	}

	_, processSpan := s.tracer.Start(ctx, "store.archive.process",
		trace.WithAttributes(attribute.Int("archive_events", len(archiveEvents))),
	)
	defer processSpan.End()

	for date, events := range archiveEvents {
		if ctx.Err() != nil {
			return
		}

		dayBucket := joinKey(historyBucket, date)
		s.logger.WithFields(logrus.Fields{"date": date, "count": len(events)}).Info("archiving runs")

		err := s.history.Update(func(tx *bbolt.Tx) error {
			historyB, err := tx.CreateBucketIfNotExists(dayBucket)
			if err != nil {
				return err
			}
			for _, event := range events {
				b, err := json.Marshal(event.historyEvent)
				if err != nil {
					s.logger.WithError(err).Error("failed to marshal history event")
					processSpan.RecordError(err)
					continue
				}
				if err := historyB.Put([]byte(event.historyEvent.ActiveEvent.StartVersion), b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.logger.WithError(err).Error("failed to write history")
			processSpan.RecordError(err)
			continue
		}

		for _, event := range events {
			if ctx.Err() != nil {
				return
			}
			s.pruneEvents(event, processSpan)
		}
	}
}

// pruneEvents removes an archived run's events and its archive marker.
func (s *store) pruneEvents(event *archiveEvent, span trace.Span) {
	ae := event.historyEvent.ActiveEvent
	start, end := []byte(ae.StartEvent), []byte(ae.EndEvent)

	s.db.Update(func(tx *bbolt.Tx) error {
		eventsB := tx.Bucket(eventsBucket)

		var toDelete [][]byte
		c := eventsB.Cursor()
		for k, _ := c.Seek(start); k != nil && bytes.Compare(k, end) <= 0; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := eventsB.Delete(k); err != nil {
				s.logger.WithError(err).Error("failed to delete event")
				span.RecordError(err)
			}
		}

		if err := tx.Bucket(archiveBucket).Delete(event.archiveKey); err != nil {
			s.logger.WithError(err).Error("failed to delete archive event")
			span.RecordError(err)
		}
		return nil
	})
}

func (s *store) archive(ctx context.Context) {
	defer close(s.archiveCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.archiveCh:
			s.logger.Debug("archive loop signaled to run")
		case <-time.After(s.archiveInterval):
		}
		s.runArchive(ctx)
	}
}

type activeResource struct {
	version ulid.ULID

	active *ActiveEvent

	completedTransitions []string

	lastState string

	response []byte

	retryCount uint64

	fsmError RunErr
}

// Active returns the unfinished runs of f found in the state db and marks
// them pending in memory.
func (s *store) Active(ctx context.Context, f *fsm) ([]*activeResource, error) {
	var (
		activeEvents      []*activeResource
		resourcePrefixKey = joinKey(f.typeName, "")
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		eventB := tx.Bucket(eventsBucket)
		cursor := tx.Bucket(activeBucket).Cursor()

		for k, v := cursor.Seek(resourcePrefixKey); k != nil && bytes.HasPrefix(k, resourcePrefixKey); k, v = cursor.Next() {
			logger := s.logger.WithField("key", string(k))

			var ae ActiveEvent
			if err := json.Unmarshal(v, &ae); err != nil {
				logger.WithError(err).Error("failed to unmarshal active event")
				continue
			}
			if ae.Action != f.action || ae.EndEvent != "" {
				continue
			}

			version, err := ulid.ParseStrict(ae.StartVersion)
			if err != nil {
				logger.WithError(err).Error("failed to unmarshal version")
				continue
			}

			resource := &activeResource{version: version, active: &ae}

			// <resource_id>#<action>#<run_version>#
			eventPrefix := joinKey(ae.ResourceID, ae.Action, ae.StartVersion, "")
			eventCursor := eventB.Cursor()
			for eventKey, eventValue := eventCursor.Seek([]byte(ae.StartEvent)); eventKey != nil && bytes.HasPrefix(eventKey, eventPrefix); eventKey, eventValue = eventCursor.Next() {
				var event StateEvent
				if err := json.Unmarshal(eventValue, &event); err != nil {
					logger.WithError(err).Error("failed to unmarshal event")
					continue
				}

				resource.lastState = event.State
				switch event.Type {
				case EventTypeComplete:
					resource.completedTransitions = append(resource.completedTransitions, event.State)
					if event.Response != nil {
						resource.response = event.Response
					}
				case EventTypeCancel:
					resource.completedTransitions = append(resource.completedTransitions, event.State)
					resource.fsmError = RunErr{
						Err:   errors.New(event.Error),
						State: event.State,
					}
				case EventTypeError:
					resource.retryCount = event.RetryCount
				}
			}

			activeEvents = append(activeEvents, resource)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	txn := s.memDB.Txn(true)
	defer txn.Abort()
	for _, ae := range activeEvents {
		rs := runState{
			Run: Run{
				ID:           ae.active.ResourceID,
				StartVersion: ae.version,
				Action:       f.action,
				ResourceName: f.alias,
				TypeName:     f.typeName,
				fsmErr:       ae.fsmError,
			},
			State: RunStatePending,
		}
		if err := txn.Insert(fsmTable, rs); err != nil {
			return nil, err
		}
	}
	txn.Commit()

	return activeEvents, nil
}

type startOption struct {
	transitions []string

	resource []byte
}

// Append records event for run. A start event requires start and fails with
// *AlreadyRunningError while another run of the same resource and action is
// unfinished.
func (s *store) Append(ctx context.Context, run Run, event *StateEvent, start *startOption) (ulid.ULID, error) {
	if start == nil && event.Type == EventTypeStart {
		return ulid.ULID{}, errors.New("start option must be set")
	}
	if run.StartVersion.Compare(ulid.ULID{}) == 0 {
		return ulid.ULID{}, errors.New("runVersion must be set")
	}

	runVersion := run.StartVersion.String()
	event.RunVersion = runVersion
	eventVersion := ulid.Make()

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return ulid.ULID{}, err
	}

	// EVENT Bucket
	// <resource_id>#<action>#<run_version>#<event_version>
	eventKey := joinKey(event.ID, event.Action, runVersion, eventVersion.String())

	// ACTIVE Bucket
	// <resource_type>#<resource_id>#<action>
	activeKey := joinKey(event.ResourceType, event.ID, event.Action)

	var activeBytes []byte
	if event.Type == EventTypeStart {
		ae := &ActiveEvent{
			StartEvent:   string(eventKey),
			StartVersion: runVersion,
			Action:       event.Action,
			ResourceID:   event.ID,
			Resource:     start.resource,
			Transitions:  start.transitions,
			TraceContext: map[string]string{},
		}
		(propagation.TraceContext{}).Inject(ctx, propagation.MapCarrier(ae.TraceContext))

		activeBytes, err = json.Marshal(ae)
		if err != nil {
			return ulid.ULID{}, err
		}
	}

	rs := runState{
		Run: run,
	}

	txn := s.memDB.Txn(true)
	defer txn.Abort()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		activeB := tx.Bucket(activeBucket)
		eventB := tx.Bucket(eventsBucket)

		switch event.Type {
		case EventTypeStart:
			if existing := activeB.Get(activeKey); existing != nil {
				var ae ActiveEvent
				if err := json.Unmarshal(existing, &ae); err != nil {
					return err
				}
				if ae.EndEvent == "" {
					sv, err := ulid.ParseStrict(ae.StartVersion)
					if err != nil {
						return err
					}
					return &AlreadyRunningError{Version: sv}
				}
			}

			if err := activeB.Put(activeKey, activeBytes); err != nil {
				return err
			}
			if err := eventB.Put(eventKey, eventBytes); err != nil {
				return err
			}

			switch deleted, err := txn.DeleteAll(fsmTable, runIndex, run.ID); {
			case err != nil:
				return err
			case deleted > 0:
				s.logger.WithField("id", run.ID).Debug("deleted previous run")
			}

			rs.State = RunStatePending
			if err := txn.Insert(fsmTable, rs); err != nil {
				return fmt.Errorf("failed to update state: %w", err)
			}
			return nil
		case EventTypeError, EventTypeComplete, EventTypeCancel:
			return eventB.Put(eventKey, eventBytes)
		case EventTypeFinish:
			if err := eventB.Put(eventKey, eventBytes); err != nil {
				return err
			}

			existing := activeB.Get(activeKey)
			if existing == nil {
				s.logger.WithField("key", string(activeKey)).Warn("active event not found")
				return nil
			}

			var ae ActiveEvent
			if err := json.Unmarshal(existing, &ae); err != nil {
				return err
			}
			ae.EndEvent = string(eventKey)

			b, err := json.Marshal(&ae)
			if err != nil {
				return err
			}
			if err := activeB.Delete(activeKey); err != nil {
				return err
			}

			// ARCHIVE Bucket
			// <run_version>
			if err := tx.Bucket(archiveBucket).Put([]byte(runVersion), b); err != nil {
				return err
			}

			rs.State = RunStateComplete
			rs.Error = run.fsmErr
			if err := txn.Insert(fsmTable, rs); err != nil {
				return fmt.Errorf("failed to update state: %w", err)
			}
			return nil
		default:
			return fmt.Errorf("%s: %w", event.Type, errInvalidEventType)
		}
	})
	if err != nil {
		s.logger.WithError(err).Error("failed to append event")
		return ulid.ULID{}, err
	}
	txn.Commit()

	return eventVersion, nil
}

// History returns a finished run, looking first in the archive queue and
// then in the history db.
func (s *store) History(ctx context.Context, runVersion ulid.ULID) (*HistoryEvent, error) {
	key := []byte(runVersion.String())

	var historyEvent HistoryEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		aeBytes := tx.Bucket(archiveBucket).Get(key)
		if aeBytes == nil {
			date := ulid.Time(runVersion.Time()).UTC().Format(time.DateOnly)
			return s.history.View(func(tx *bbolt.Tx) error {
				historyB := tx.Bucket(joinKey(historyBucket, date))
				if historyB == nil {
					return fmt.Errorf("history bucket not found, %s, %w", date, ErrFsmNotFound)
				}

				historyBytes := historyB.Get(key)
				if historyBytes == nil {
					return fmt.Errorf("history event not found, %s, %w", runVersion, ErrFsmNotFound)
				}
				return json.Unmarshal(historyBytes, &historyEvent)
			})
		}

		var ae ActiveEvent
		if err := json.Unmarshal(aeBytes, &ae); err != nil {
			return err
		}
		historyEvent.ActiveEvent = &ae

		var se StateEvent
		if err := json.Unmarshal(tx.Bucket(eventsBucket).Get([]byte(ae.EndEvent)), &se); err != nil {
			return err
		}
		historyEvent.LastEvent = &se
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &historyEvent, nil
}
