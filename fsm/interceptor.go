package fsm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	transitionCounterVec = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsm_transition_count",
			Help: "A count of transition completions.",
		},
		[]string{"action", "state", "resource", "status"},
	)

	transitionDurationVec = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsm_transition_duration_seconds",
			Help:    "Time spent performing a transition.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 150, 300, 600, 1200, 3600},
		},
		[]string{"action", "state", "resource", "status"},
	)
)

// finisher runs the finalizers once and records the finish event.
func finisher[R, W any](m *Manager, finalizers []FinalizerFunc) func(context.Context, *Request[R, W]) (*Response[W], error) {
	return func(ctx context.Context, req *Request[R, W]) (*Response[W], error) {
		logger := req.Log()
		run := req.Run()

		for idx, f := range finalizers {
			logger.WithField("finalizer", idx).Debug("calling finalizer")
			f(ctx, req, run.fsmErr)
		}

		event := &StateEvent{
			Type:         EventTypeFinish,
			ID:           run.ID,
			ResourceType: run.TypeName,
			Action:       run.Action,
			State:        run.CurrentState,
		}
		if run.fsmErr.Err != nil {
			event.Error = run.fsmErr.Err.Error()
		}

		if _, err := m.store.Append(ctx, run, event, nil); err != nil {
			logger.WithError(err).Error("failed to append finish event")
			// Finalizers have already run; retrying would run them again.
			return nil, Abort(err)
		}
		return nil, nil
	}
}

// skipper will skip executing the next transition if the FSM has already errored or was
// cancelled.
func skipper() TransitionInterceptorFunc {
	return TransitionInterceptorFunc(func(next TransitionFunc) TransitionFunc {
		return TransitionFunc(func(ctx context.Context, req AnyRequest) (AnyResponse, error) {
			if fsmErr := req.Run().fsmErr; fsmErr.Err != nil {
				req.Log().WithError(fsmErr.Err).Debug("skipping transition due to previous error")
				return nil, nil
			}
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				req.Log().WithError(cause).Info("skipping transition, run was cancelled")
				return nil, halt(cause)
			}
			return next(ctx, req)
		})
	})
}

// canceller records the outcome of a transition: a complete event with the
// response on success, a cancel event when the transition halted the run.
func canceller(store *store, codec Codec) TransitionInterceptorFunc {
	return TransitionInterceptorFunc(func(next TransitionFunc) TransitionFunc {
		return TransitionFunc(func(ctx context.Context, req AnyRequest) (AnyResponse, error) {
			var (
				logger = req.Log()
				run    = req.Run()
				event  = &StateEvent{
					Type:         EventTypeComplete,
					ID:           run.ID,
					ResourceType: run.TypeName,
					Action:       run.Action,
					State:        run.CurrentState,
				}
				haltErr *haltError
			)

			resp, err := next(ctx, req)
			switch {
			case errors.As(err, &haltErr):
				logger.WithError(haltErr.err).Info("transition returned cancelable error, completing run")
				event.Type = EventTypeCancel
				event.Error = haltErr.Error()
			case err != nil:
				return resp, err
			default:
				logger.Debug("transition completed successfully")
				if resp != nil && resp.Any() != nil {
					b, err := codec.Marshal(resp.Any())
					if err != nil {
						logger.WithError(err).Error("failed to marshal response")
						return nil, err
					}
					event.Response = b
				}
			}

			if _, appendErr := store.Append(ctx, run, event, nil); appendErr != nil {
				logger.WithError(appendErr).Error("failed to append complete event")
			}

			return resp, err
		})
	})
}

// retry runs the transition with exponential backoff. Plain errors are
// retried up to maxRetries times and then halt the run; abort and
// unrecoverable errors halt it immediately.
func retry(tracer trace.Tracer, store *store, maxRetries uint64) TransitionInterceptorFunc {
	return TransitionInterceptorFunc(func(next TransitionFunc) TransitionFunc {
		return TransitionFunc(func(ctx context.Context, req AnyRequest) (AnyResponse, error) {
			logger := req.Log()
			run := req.Run()

			localTransitionCounterVec := transitionCounterVec.MustCurryWith(prometheus.Labels{
				"action":   run.Action,
				"state":    run.CurrentState,
				"resource": run.ResourceName,
			})

			transitionStartTime := time.Now()
			localTransitionDurationVec := transitionDurationVec.MustCurryWith(prometheus.Labels{
				"action":   run.Action,
				"state":    run.CurrentState,
				"resource": run.ResourceName,
			})
			observe := func(status string) {
				localTransitionCounterVec.WithLabelValues(status).Inc()
				localTransitionDurationVec.WithLabelValues(status).Observe(time.Since(transitionStartTime).Seconds())
			}

			boff := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
				InitialInterval:     100 * time.Millisecond,
				RandomizationFactor: backoff.DefaultRandomizationFactor,
				Multiplier:          backoff.DefaultMultiplier,
				MaxInterval:         5 * time.Second,
				MaxElapsedTime:      0,
				Stop:                backoff.Stop,
				Clock:               backoff.SystemClock,
			}, maxRetries), ctx)

			transitionCtx, transitionSpan := newTransitionSpan(ctx, tracer, run)

			var (
				retryCount = RetryFromContext(ctx)
				lastErr    = errors.New("initial error")
				resp       AnyResponse
				ae         *AbortError
				ue         *UnrecoverableError
			)
			err := backoff.RetryNotify(
				func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							observe("panic")
							transitionSpan.SetAttributes(attribute.String("exception.stacktrace", string(debug.Stack())))
							err = fmt.Errorf("FSM %s.%s transition %s panic: %v", run.ResourceName, run.Action, run.CurrentState, r)
							logger.WithError(err).Error("recovered")
						}
					}()
					resp, err = next(withRetry(transitionCtx, retryCount), req)
					switch {
					case err == nil:
						observe("ok")
						return nil
					case errors.As(err, &ae):
						observe("abort")
						logger.WithError(err).Error("transition aborted")
						return backoff.Permanent(halt(err))
					case errors.As(err, &ue):
						transitionSpan.SetAttributes(attribute.String("fsm.error_kind", ue.Kind.String()))
						observe("unrecoverable")
						logger.WithError(err).Warn("reached unrecoverable error, canceling FSM")
						return backoff.Permanent(halt(err))
					case errors.Is(err, context.Canceled):
						observe("canceled")
						logger.Debug("transition received signal to shutdown")
						if cerr := context.Cause(ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
							logger.WithError(cerr).Info("FSM was intentionally canceled")
							err = halt(cerr)
						}
						return backoff.Permanent(err)
					default:
						observe("error")
						logger.WithError(err).Warn("transition failed, retrying")
						return err
					}
				},
				boff,
				func(err error, _ time.Duration) {
					if lastErr.Error() != err.Error() {
						store.Append(ctx,
							run,
							&StateEvent{
								Type:         EventTypeError,
								ID:           run.ID,
								ResourceType: run.TypeName,
								Action:       run.Action,
								State:        run.CurrentState,
								Error:        err.Error(),
								RetryCount:   retryCount,
							},
							nil,
						)
					}

					transitionSpan.SetAttributes(attribute.Int("fsm.retry_count", int(retryCount)))
					transitionSpan.SetStatus(codes.Error, err.Error())
					transitionSpan.End()

					lastErr = err
					transitionCtx, transitionSpan = newTransitionSpan(ctx, tracer, run)

					retryCount++
					logger = logger.WithField("retry_count", retryCount)
				},
			)

			var haltErr *haltError
			switch {
			case err == nil, errors.As(err, &haltErr):
			case errors.Is(err, context.Canceled):
				if cerr := context.Cause(ctx); cerr != nil && !errors.Is(cerr, context.Canceled) {
					err = halt(cerr)
				}
			default:
				logger.WithError(err).WithField("retry_count", retryCount).Error("transition retries exhausted")
				err = halt(err)
			}

			transitionSpan.SetAttributes(attribute.Int("fsm.retry_count", int(retryCount)))
			if err != nil {
				transitionSpan.SetStatus(codes.Error, err.Error())
			}
			transitionSpan.End()

			return resp, err
		})
	})
}

func newTransitionSpan(ctx context.Context, tracer trace.Tracer, run Run) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("%s.%s", run.ResourceName, run.CurrentState), trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("fsm.action", run.Action),
			attribute.String("fsm.state", run.CurrentState),
			attribute.String("fsm.type", run.ResourceName),
			attribute.String(fmt.Sprintf("%s.id", run.ResourceName), run.ID),
			attribute.String(fmt.Sprintf("%s.version", run.ResourceName), run.StartVersion.String()),
		),
	)
}
