package operation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"inscribe/device"
	"inscribe/fsm"
	"inscribe/helper"
	"inscribe/history"
	"inscribe/verify"
)

const (
	stateValidating = "validating"
	stateLaunching  = "launching"
	stateRunning    = "running"
	stateFinalizing = "finalizing"
	stateDone       = "done"
)

// job is the persisted request of one run.
type job struct {
	ID string `json:"id"`
	Request
}

func (*job) Name() string { return "operation" }

func (j *job) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("operation.id", j.ID),
		attribute.String("operation.kind", string(j.Kind)),
		attribute.String("operation.device", j.Device),
	}
}

type Config struct {
	Logger logrus.FieldLogger

	Manager    *fsm.Manager
	Launcher   *helper.Launcher
	Slot       *helper.Slot
	Classifier *device.Classifier
	History    *history.Store

	// Sizer reports device capacity for erase totals.
	Sizer device.Sizer

	// Sink defaults to discarding notifications.
	Sink Sink
}

// Orchestrator runs flash, erase and format operations one at a time.
type Orchestrator struct {
	logger     logrus.FieldLogger
	manager    *fsm.Manager
	launcher   *helper.Launcher
	slot       *helper.Slot
	classifier *device.Classifier
	history    *history.Store
	sizer      device.Sizer
	sink       Sink

	compare func(src, tgt string, count, size int) (bool, error)

	starts  map[Kind]fsm.Start[job, outcome]
	resumes []fsm.Resume

	mu      sync.Mutex
	current *execution
}

type execution struct {
	handle    Handle
	cancelled bool
	stop      func() bool
}

// New registers the operation state machine with cfg.Manager, once per kind.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Manager == nil:
		return nil, errors.New("fsm manager is required")
	case cfg.Launcher == nil, cfg.Slot == nil:
		return nil, errors.New("launcher and slot are required")
	case cfg.Classifier == nil:
		return nil, errors.New("classifier is required")
	case cfg.History == nil:
		return nil, errors.New("history store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}

	o := &Orchestrator{
		logger:     cfg.Logger.WithField("sys", "operation"),
		manager:    cfg.Manager,
		launcher:   cfg.Launcher,
		slot:       cfg.Slot,
		classifier: cfg.Classifier,
		history:    cfg.History,
		sizer:      cfg.Sizer,
		sink:       cfg.Sink,
		compare:    verify.SampledCompareFiles,
		starts:     make(map[Kind]fsm.Start[job, outcome], len(kinds)),
	}

	for _, kind := range kinds {
		start, resume, err := fsm.Register[job, outcome](cfg.Manager, string(kind)).
			Start(stateValidating, o.validate).
			To(stateLaunching, o.launch).
			To(stateRunning, o.run).
			To(stateFinalizing, o.finalize).
			End(stateDone, fsm.WithFinalizers[job, outcome](o.complete)).
			Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s operation: %w", kind, err)
		}
		o.starts[kind] = start
		o.resumes = append(o.resumes, resume)
	}

	return o, nil
}

// Resume closes out operations a previous process left unfinished. They are
// recorded as failed; none is restarted.
func (o *Orchestrator) Resume(ctx context.Context) error {
	locked, err := o.history.TryLock(ctx, history.DeviceLock, os.Getpid())
	if err != nil {
		return err
	}
	if !locked {
		o.logger.Warn("device lock held by another process, leaving its operations alone")
		return nil
	}
	defer func() {
		if err := o.history.ReleaseLock(context.WithoutCancel(ctx), history.DeviceLock); err != nil {
			o.logger.WithError(err).Error("failed to release device lock")
		}
	}()

	n, err := o.history.CloseInterrupted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		o.logger.WithField("count", n).Warn("marked interrupted operations as failed")
	}

	for _, resume := range o.resumes {
		if err := resume(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start claims the slot and the cross-process device lock, records the
// operation and returns while it runs in the background. It fails with
// helper.ErrBusy while another operation holds either. Validation and helper
// failures are reported through Wait and the sink. Cancelling ctx cancels the
// operation.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Handle, error) {
	start, ok := o.starts[req.Kind]
	if !ok {
		return Handle{}, fmt.Errorf("%w: unknown operation %q", errInvalidRequest, req.Kind)
	}

	if err := o.slot.Acquire(); err != nil {
		return Handle{}, err
	}

	locked, err := o.history.TryLock(ctx, history.DeviceLock, os.Getpid())
	switch {
	case err != nil:
		o.slot.Release()
		return Handle{}, err
	case !locked:
		o.slot.Release()
		return Handle{}, fmt.Errorf("%w: device lock held by another process", helper.ErrBusy)
	}

	j := &job{ID: ulid.Make().String(), Request: req}
	logger := o.logger.WithFields(logrus.Fields{
		"operation_id": j.ID,
		"kind":         req.Kind,
		"device":       req.Device,
	})

	if err := o.history.Begin(ctx, &history.Operation{
		ID:     j.ID,
		Kind:   string(req.Kind),
		Device: req.Device,
		Args:   strings.Join(req.Args(), " "),
	}); err != nil {
		o.release(ctx, logger)
		return Handle{}, err
	}

	exec := &execution{handle: Handle{ID: j.ID, Kind: req.Kind}}
	o.mu.Lock()
	o.current = exec
	o.mu.Unlock()

	version, err := start(ctx, req.Device, fsm.NewRequest(j, &outcome{}))
	if err != nil {
		o.finishCurrent(j.ID)
		if herr := o.history.Finish(ctx, j.ID, history.StateFailed, nil, err.Error()); herr != nil {
			logger.WithError(herr).Error("failed to record operation outcome")
		}
		o.release(ctx, logger)
		return Handle{}, err
	}

	o.mu.Lock()
	exec.handle.Version = version
	handle, cancelled, live := exec.handle, exec.cancelled, o.current == exec
	if live {
		exec.stop = context.AfterFunc(ctx, func() {
			if err := o.cancel(exec); err != nil {
				logger.WithError(err).Warn("failed to cancel operation")
			}
		})
	}
	o.mu.Unlock()

	if cancelled && live {
		if err := o.manager.Cancel(ctx, version, ErrCancelled); err != nil && !errors.Is(err, fsm.ErrFsmNotFound) {
			logger.WithError(err).Warn("failed to cancel operation")
		}
	}

	logger.WithField("run_version", version.String()).Info("operation started")
	return handle, nil
}

// Wait blocks until the operation has finished and its completion has been
// delivered, returning the error it failed with.
func (o *Orchestrator) Wait(ctx context.Context, h Handle) error {
	return o.manager.Wait(ctx, h.Version)
}

// Cancel stops the active operation: no further step starts and the helper,
// if running, is sent SIGTERM. It is a no-op when nothing is running.
func (o *Orchestrator) Cancel() error {
	return o.cancel(nil)
}

func (o *Orchestrator) cancel(target *execution) error {
	o.mu.Lock()
	exec := o.current
	if exec == nil || (target != nil && exec != target) {
		o.mu.Unlock()
		if target != nil {
			return nil
		}
		return o.slot.Cancel()
	}
	exec.cancelled = true
	version := exec.handle.Version
	o.mu.Unlock()

	var err error
	if version.Compare(ulid.ULID{}) != 0 {
		if cerr := o.manager.Cancel(context.Background(), version, ErrCancelled); cerr != nil && !errors.Is(cerr, fsm.ErrFsmNotFound) {
			err = cerr
		}
	}
	return errors.Join(err, o.slot.Cancel())
}

// Active returns the handle of the running operation, if any.
func (o *Orchestrator) Active() (Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Handle{}, false
	}
	return o.current.handle, true
}

func (o *Orchestrator) finishCurrent(id string) {
	o.mu.Lock()
	var stop func() bool
	if o.current != nil && o.current.handle.ID == id {
		stop = o.current.stop
		o.current = nil
	}
	o.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// release gives up the device lock and then the slot.
func (o *Orchestrator) release(ctx context.Context, logger logrus.FieldLogger) {
	if err := o.history.ReleaseLock(context.WithoutCancel(ctx), history.DeviceLock); err != nil {
		logger.WithError(err).Error("failed to release device lock")
	}
	o.slot.Release()
}
