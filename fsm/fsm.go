package fsm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	actionCounterVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsm_action_count",
			Help: "A count of action completions.",
		},
		[]string{"action", "resource", "status", "kind"},
	)

	actionDurationVec = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsm_action_duration_seconds",
			Help:    "Time spent performing an action.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600, 1200, 3600},
		},
		[]string{"action", "resource", "status", "kind"},
	)
)

type Request[R, W any] struct {
	Msg *R
	W   Response[W]

	logger logrus.FieldLogger
	run    Run
}

func (r *Request[_, _]) Any() any {
	if r == nil {
		return nil
	}
	return r.Msg
}

func (r *Request[_, _]) Log() logrus.FieldLogger {
	return r.logger
}

func (r *Request[_, _]) Run() Run {
	return r.run
}

func (r *Request[_, _]) withLogger(logger logrus.FieldLogger) {
	r.logger = logger
}

func (r *Request[_, _]) withTransition(name string, version ulid.ULID) {
	r.logger = r.logger.WithFields(logrus.Fields{
		"transition":         name,
		"transition_version": version,
	})
	r.run.TransitionVersion = version
	r.run.CurrentState = name
}

func (r *Request[_, _]) withError(err RunErr) {
	r.run.fsmErr = err
}

// NewRequest creates a new request to be used for starting a FSM.
func NewRequest[R, W any](msg *R, w *W) *Request[R, W] {
	return &Request[R, W]{
		Msg: msg,
		W:   *NewResponse[W](w),
	}
}

type AnyRequest interface {
	Any() any

	Log() logrus.FieldLogger

	Run() Run

	withLogger(logrus.FieldLogger)

	withTransition(string, ulid.ULID)

	withError(RunErr)
}

type Response[W any] struct {
	Msg *W
}

func (r *Response[_]) Any() any {
	if r == nil {
		return nil
	}
	return r.Msg
}

func (r *Response[_]) internalOnly() {}

func NewResponse[W any](msg *W) *Response[W] {
	return &Response[W]{
		Msg: msg,
	}
}

type AnyResponse interface {
	Any() any

	internalOnly()
}

// RunErr is the error that stopped a run and the state it happened in.
type RunErr struct {
	Err error

	State string
}

// Run contains the information associated with an active FSM.
type Run struct {
	StartVersion ulid.ULID

	TransitionVersion ulid.ULID

	ID string

	Action string

	CurrentState string

	ResourceName string

	TypeName string

	// fsmErr is the error and originating state that caused the FSM to stop executing transitions.
	fsmErr RunErr
}

// Err returns the error that stopped the run, if any.
func (r Run) Err() RunErr {
	return r.fsmErr
}

type fsm struct {
	action string

	typeName, alias string

	rCodec, wCodec Codec

	startState, endState string

	initializers []InitializerFunc

	transitions *immutable.List[string]

	// registeredTransitions is used to lookup a transition by key in order to execute it.
	registeredTransitions map[transitionKey]*transition
}

func (f *fsm) transitionSlice() []string {
	names := make([]string, 0, f.transitions.Len())
	itr := f.transitions.Iterator()
	for !itr.Done() {
		_, value := itr.Next()
		names = append(names, value)
	}
	return names
}

func (f *fsm) lookup(name string) (*transition, bool) {
	t, ok := f.registeredTransitions[transitionKey{
		action:   f.action,
		typeName: f.typeName,
		name:     name,
	}]
	return t, ok
}

type transitionKey struct {
	action string

	typeName string

	name string
}

type transition struct {
	name string

	impl TransitionFunc
}

type TransitionFunc func(context.Context, AnyRequest) (AnyResponse, error)

// Attributable is an interface that can be implemented by a request to include additional Span
// attributes.
type Attributable interface {
	Attributes() []attribute.KeyValue
}

func newTransition[R, W any](name string, transitionFn func(context.Context, *Request[R, W]) (*Response[W], error), cfg TransitionConfig[R, W]) *transition {
	// Wrap the strongly-typed implementation so we can apply interceptors.
	untyped := TransitionFunc(func(ctx context.Context, request AnyRequest) (AnyResponse, error) {
		if context.Cause(ctx) == context.Canceled {
			return nil, ctx.Err()
		}
		typed, ok := request.(*Request[R, W])
		if !ok {
			return nil, fmt.Errorf("unexpected handler request type %T", request)
		}
		res, err := transitionFn(ctx, typed)
		if res != nil {
			typed.W = *res
		}
		return res, err
	})

	for i := len(cfg.interceptors) - 1; i >= 0; i-- {
		untyped = cfg.interceptors[i](untyped)
	}

	return &transition{
		name: name,
		impl: untyped,
	}
}

type InitializerFunc func(context.Context, AnyRequest) context.Context

func newInitializer[R, W any](initFn func(context.Context, *Request[R, W]) context.Context) InitializerFunc {
	return InitializerFunc(func(ctx context.Context, request AnyRequest) context.Context {
		typed, ok := request.(*Request[R, W])
		if !ok {
			return ctx
		}
		return initFn(ctx, typed)
	})
}

type FinalizerFunc func(context.Context, AnyRequest, RunErr)

func newFinalizer[R, W any](finalFn func(context.Context, *Request[R, W], RunErr)) FinalizerFunc {
	return FinalizerFunc(func(ctx context.Context, request AnyRequest, err RunErr) {
		typedReq, ok := request.(*Request[R, W])
		if !ok {
			return
		}
		finalFn(ctx, typedReq, err)
	})
}

type runState struct {
	Run

	State RunState

	Error RunErr
}

// resume closes out runs that were still active when the process last
// stopped. Their remaining transitions are not replayed: only the end
// transition runs, so finalizers observe ErrInterrupted.
func resume[R, W any](m *Manager, f *fsm) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		resources, err := m.store.Active(ctx, f)
		if err != nil {
			return err
		}

		end, ok := f.lookup(f.endState)
		if !ok {
			return fmt.Errorf("end transition %s not registered", f.endState)
		}

		for _, resource := range resources {
			fsmErr := resource.fsmError
			if fsmErr.Err == nil {
				fsmErr = RunErr{Err: ErrInterrupted, State: resource.lastState}
			} else {
				fsmErr.Err = errors.Join(ErrInterrupted, fsmErr.Err)
			}

			r := Run{
				ID:           resource.active.ResourceID,
				StartVersion: resource.version,
				Action:       f.action,
				ResourceName: f.alias,
				TypeName:     f.typeName,
				fsmErr:       fsmErr,
			}

			var req R
			if err := f.rCodec.Unmarshal(resource.active.Resource, &req); err != nil {
				m.logger.WithError(err).Error("failed to unmarshal resource, closing out without request")
			}

			var w W
			if resource.response != nil {
				if err := f.wCodec.Unmarshal(resource.response, &w); err != nil {
					m.logger.WithError(err).Warn("failed to unmarshal response")
				}
			}

			m.logger.WithFields(logrus.Fields{
				"run_id":      r.ID,
				"run_version": r.StartVersion.String(),
				"completed":   resource.completedTransitions,
				"remaining":   len(resource.active.Transitions) - len(resource.completedTransitions),
			}).Warn("closing out interrupted run")

			ctx := withRetry(ctx, resource.retryCount)
			ctx = (propagation.TraceContext{}).Extract(ctx, propagation.MapCarrier(resource.active.TraceContext))

			request := NewRequest[R, W](&req, &w)
			request.run = r

			transitions := immutable.NewList[*transition]()
			if !slices.Contains(resource.completedTransitions, f.endState) {
				transitions = transitions.Append(end)
			}
			run(ctx, request, m, &runInstance{initializers: f.initializers, transitions: transitions})
		}
		return nil
	}
}

// start attempts to start the FSM using the provided id and request. The id is used to uniquely
// identify the FSM associated with the req type along with the action used to register it.
func start[R, W any](m *Manager, f *fsm) func(ctx context.Context, id string, request *Request[R, W]) (ulid.ULID, error) {
	return func(ctx context.Context, id string, request *Request[R, W]) (ulid.ULID, error) {
		logger := m.logger.WithFields(logrus.Fields{
			"run_id":    id,
			"run_type":  f.typeName,
			"run_alias": f.alias,
		})

		resource, err := f.rCodec.Marshal(request.Msg)
		if err != nil {
			logger.WithError(err).Error("failed to marshal request")
			return ulid.ULID{}, fmt.Errorf("failed to marshal request: %w", err)
		}

		runVersion := ulid.Make()

		request.run = Run{
			ID:           id,
			StartVersion: runVersion,
			Action:       f.action,
			ResourceName: f.alias,
			TypeName:     f.typeName,
		}

		transitions := immutable.NewList[*transition]()
		iter := f.transitions.Iterator()
		for !iter.Done() {
			_, name := iter.Next()
			t, _ := f.lookup(name)
			transitions = transitions.Append(t)
		}

		_, err = m.store.Append(ctx,
			request.run,
			&StateEvent{
				Type:         EventTypeStart,
				ID:           id,
				ResourceType: f.typeName,
				Action:       f.action,
				State:        f.startState,
			},
			&startOption{resource: resource, transitions: f.transitionSlice()},
		)
		if err != nil {
			logger.WithError(err).Error("failed to append start event")
			return ulid.ULID{}, err
		}

		run(ctx, request, m, &runInstance{initializers: f.initializers, transitions: transitions})

		return runVersion, nil
	}
}

type runInstance struct {
	initializers []InitializerFunc

	transitions *immutable.List[*transition]
}

func run(ctx context.Context, request AnyRequest, m *Manager, ri *runInstance) {
	// We create a new context that is not cancelable so that we can control the lifecycle of the FSM
	// separately from the context that is passed in.
	ctx = context.WithoutCancel(ctx)

	var (
		run        = request.Run()
		runVersion = run.StartVersion
		id         = run.ID
		action     = run.Action
		alias      = run.ResourceName
		typeName   = run.TypeName
	)

	startAttrs := []attribute.KeyValue{
		attribute.String("fsm.action", action),
		attribute.String("fsm.alias", alias),
		attribute.String("fsm.type", typeName),
		attribute.String("fsm.version", runVersion.String()),
	}
	if attr, ok := request.Any().(Attributable); ok {
		startAttrs = append(startAttrs, attr.Attributes()...)
	}

	ctx, span := m.tracer.Start(ctx, fmt.Sprintf("%s.%s", alias, action),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(startAttrs...),
		trace.WithNewRoot(),
		trace.WithLinks(trace.LinkFromContext(ctx)),
	)

	logger := m.logger.WithFields(logrus.Fields{
		"run_id":      id,
		"run_type":    typeName,
		"run_alias":   alias,
		"run_version": runVersion.String(),
	})

	ctx, cancel := context.WithCancelCause(ctx)
	m.mu.Lock()
	m.running[runVersion] = cancel
	m.mu.Unlock()

	runFn := func() {
		defer func() {
			span.End()
			m.mu.Lock()
			delete(m.running, runVersion)
			m.mu.Unlock()
			cancel(nil)
		}()

		logger.Info("starting fsm")
		localActionCounterVec := actionCounterVec.MustCurryWith(prometheus.Labels{
			"action":   action,
			"resource": alias,
		})
		localActionDurationVec := actionDurationVec.MustCurryWith(prometheus.Labels{
			"action":   action,
			"resource": alias,
		})
		actionStartTime := ulid.Time(runVersion.Time())

		request.withLogger(logger)
		for _, init := range ri.initializers {
			ctx = init(ctx, request)
		}

		var err error
		iter := ri.transitions.Iterator()
		for !iter.Done() {
			_, transition := iter.Next()
			transitionName := transition.name
			transitionVersion := ulid.Make()
			request.withTransition(transitionName, transitionVersion)
			tlogger := logger.WithFields(logrus.Fields{
				"transition":         transitionName,
				"transition_version": transitionVersion,
			})

			if errors.Is(context.Cause(ctx), context.Canceled) {
				tlogger.Info("context canceled, fsm shutting down")
				return
			}

			tlogger.Debug("running transition")

			errc := make(chan error, 1)
			go func() {
				_, implErr := transition.impl(ctx, request)
				errc <- implErr
			}()

			select {
			case <-ctx.Done():
				err = context.Cause(ctx)
				if chanErr := <-errc; chanErr != nil {
					err = chanErr
				}
			case err = <-errc:
			}

			var (
				ae *AbortError
				ue *UnrecoverableError
			)
			switch {
			case err == nil:
				continue
			case errors.As(err, &ae):
				localActionCounterVec.WithLabelValues("abort", "").Inc()
				localActionDurationVec.WithLabelValues("abort", "").Observe(time.Since(actionStartTime).Seconds())
				span.SetAttributes(attribute.String("fsm.error_kind", "abort"))
			case errors.As(err, &ue):
				kind := ue.Kind.String()
				localActionCounterVec.WithLabelValues("unrecoverable", kind).Inc()
				localActionDurationVec.WithLabelValues("unrecoverable", kind).Observe(time.Since(actionStartTime).Seconds())
				span.SetAttributes(attribute.String("fsm.error_kind", kind))
				tlogger.WithError(err).Warn("reached unrecoverable error, canceling FSM")
			default:
				localActionCounterVec.WithLabelValues("error", "").Inc()
				localActionDurationVec.WithLabelValues("error", "").Observe(time.Since(actionStartTime).Seconds())
			}
			if request.Run().fsmErr.Err == nil {
				request.withError(RunErr{
					Err:   err,
					State: transitionName,
				})
			}
		}
		if err == nil && request.Run().fsmErr.Err == nil {
			localActionCounterVec.WithLabelValues("ok", "").Inc()
			localActionDurationVec.WithLabelValues("ok", "").Observe(time.Since(actionStartTime).Seconds())
		}
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		runFn()
	}()
}

type contextKey string

func (c contextKey) String() string {
	return string(c)
}

var retryContextKey = contextKey("retry")

func withRetry(ctx context.Context, count uint64) context.Context {
	return context.WithValue(ctx, retryContextKey, count)
}

// RetryFromContext returns how many times the current transition has been
// retried.
func RetryFromContext(ctx context.Context) uint64 {
	v, _ := ctx.Value(retryContextKey).(uint64)
	return v
}
