package fsm

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type testRequest struct {
	Name string `json:"name"`
}

type testResponse struct {
	Count int `json:"count"`
}

var errStopped = errors.New("stopped by user")

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := New(Config{
		Logger:     testLogger(),
		DBPath:     dir,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunCompletes(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	t.Cleanup(func() { m.Shutdown(time.Second) })

	finished := make(chan RunErr, 1)
	var visited []string
	step := func(name string) Transition[testRequest, testResponse] {
		return func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
			visited = append(visited, name)
			return NewResponse(&testResponse{Count: len(visited)}), nil
		}
	}

	start, _, err := Register[testRequest, testResponse](m, "write").
		Start("first", step("first")).
		To("second", step("second")).
		End("done", WithFinalizers(func(ctx context.Context, req *Request[testRequest, testResponse], runErr RunErr) {
			finished <- runErr
		})).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := waitCtx(t)
	version, err := start(ctx, "/dev/sdb", NewRequest(&testRequest{Name: "a"}, &testResponse{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Wait(ctx, version); err != nil {
		t.Fatalf("Wait = %v, want nil", err)
	}

	if runErr := <-finished; runErr.Err != nil {
		t.Fatalf("finalizer saw %v", runErr.Err)
	}
	if len(visited) != 2 || visited[0] != "first" || visited[1] != "second" {
		t.Fatalf("visited = %v", visited)
	}

	he, err := m.History(ctx, version)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if he.LastEvent.Type != EventTypeFinish || he.LastEvent.Error != "" {
		t.Fatalf("last event = %+v", he.LastEvent)
	}
}

func TestRetryIsBounded(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	t.Cleanup(func() { m.Shutdown(time.Second) })

	var attempts atomic.Int32
	finished := make(chan RunErr, 1)
	start, _, err := Register[testRequest, testResponse](m, "write").
		Start("flaky", func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
			attempts.Add(1)
			return nil, errors.New("device busy")
		}).
		End("done", WithFinalizers(func(ctx context.Context, req *Request[testRequest, testResponse], runErr RunErr) {
			finished <- runErr
		})).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := waitCtx(t)
	version, err := start(ctx, "/dev/sdb", NewRequest(&testRequest{}, &testResponse{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Wait(ctx, version); err == nil || err.Error() != "device busy" {
		t.Fatalf("Wait = %v, want device busy", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	runErr := <-finished
	if runErr.State != "flaky" {
		t.Fatalf("error state = %q, want flaky", runErr.State)
	}
}

func TestUnrecoverableSkipsRemainingTransitions(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	t.Cleanup(func() { m.Shutdown(time.Second) })

	var attempts, later atomic.Int32
	start, _, err := Register[testRequest, testResponse](m, "write").
		Start("validate", func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
			attempts.Add(1)
			return nil, NewUnrecoverableUserError(errors.New("bad path"))
		}).
		To("launch", func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
			later.Add(1)
			return nil, nil
		}).
		End("done").
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := waitCtx(t)
	version, err := start(ctx, "/dev/sdb", NewRequest(&testRequest{}, &testResponse{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	err = m.Wait(ctx, version)
	var ue *UnrecoverableError
	if !errors.As(err, &ue) || ue.Kind != ErrorKindUser {
		t.Fatalf("Wait = %v, want user unrecoverable error", err)
	}
	if attempts.Load() != 1 || later.Load() != 0 {
		t.Fatalf("attempts = %d, later = %d", attempts.Load(), later.Load())
	}
}

func TestCancelStopsRun(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	t.Cleanup(func() { m.Shutdown(time.Second) })

	var once sync.Once
	started := make(chan struct{})
	finished := make(chan RunErr, 1)
	start, _, err := Register[testRequest, testResponse](m, "write").
		Start("wait", func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		End("done", WithFinalizers(func(ctx context.Context, req *Request[testRequest, testResponse], runErr RunErr) {
			finished <- runErr
		})).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := waitCtx(t)
	version, err := start(ctx, "/dev/sdb", NewRequest(&testRequest{}, &testResponse{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// A second run on the same resource is refused while the first is active.
	_, err = start(ctx, "/dev/sdb", NewRequest(&testRequest{}, &testResponse{}))
	var are *AlreadyRunningError
	if !errors.As(err, &are) || are.Version != version {
		t.Fatalf("second start = %v, want AlreadyRunningError", err)
	}

	<-started
	active, err := m.Active(ctx, "/dev/sdb")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if state := active[ActiveKey{Action: "write", Version: version}]; state != RunStateRunning {
		t.Fatalf("active state = %q, want running", state)
	}

	if err := m.Cancel(ctx, version, errStopped); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := m.Wait(ctx, version); !errors.Is(err, errStopped) {
		t.Fatalf("Wait = %v, want errStopped", err)
	}
	if runErr := <-finished; runErr.Err == nil {
		t.Fatal("finalizer did not see the cancel cause")
	}

	if err := m.Cancel(ctx, version, errStopped); !errors.Is(err, ErrFsmNotFound) {
		t.Fatalf("Cancel after finish = %v, want ErrFsmNotFound", err)
	}
}

func TestResumeClosesInterruptedRuns(t *testing.T) {
	dir := t.TempDir()
	ctx := waitCtx(t)

	var once sync.Once
	started := make(chan struct{})
	first := newTestManager(t, dir)
	start, _, err := Register[testRequest, testResponse](first, "write").
		Start("wait", func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		End("done").
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	version, err := start(ctx, "/dev/sdc", NewRequest(&testRequest{Name: "img"}, &testResponse{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	first.Shutdown(5 * time.Second)

	second := newTestManager(t, dir)
	t.Cleanup(func() { second.Shutdown(time.Second) })

	finished := make(chan string, 1)
	_, resume, err := Register[testRequest, testResponse](second, "write").
		Start("wait", func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
			t.Error("interrupted transition was replayed")
			return nil, nil
		}).
		End("done", WithFinalizers(func(ctx context.Context, req *Request[testRequest, testResponse], runErr RunErr) {
			if !errors.Is(runErr.Err, ErrInterrupted) {
				t.Errorf("finalizer error = %v, want ErrInterrupted", runErr.Err)
			}
			finished <- req.Msg.Name
		})).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := second.Wait(ctx, version); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Wait = %v, want ErrInterrupted", err)
	}
	if name := <-finished; name != "img" {
		t.Fatalf("finalizer request name = %q, want img", name)
	}
}

func TestProtoCodec(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	t.Cleanup(func() { m.Shutdown(time.Second) })

	start, _, err := Register[wrapperspb.StringValue, wrapperspb.Int64Value](m, "size").
		Start("measure", func(ctx context.Context, req *Request[wrapperspb.StringValue, wrapperspb.Int64Value]) (*Response[wrapperspb.Int64Value], error) {
			return NewResponse(wrapperspb.Int64(int64(len(req.Msg.GetValue())))), nil
		}).
		End("done").
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx := waitCtx(t)
	version, err := start(ctx, "image", NewRequest(wrapperspb.String("disk.iso"), &wrapperspb.Int64Value{}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Wait(ctx, version); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	he, err := m.History(ctx, version)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var got wrapperspb.StringValue
	if err := (&protoBinaryCodec{}).Unmarshal(he.ActiveEvent.Resource, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.GetValue() != "disk.iso" {
		t.Fatalf("stored resource = %q", got.GetValue())
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	t.Cleanup(func() { m.Shutdown(time.Second) })

	noop := func(ctx context.Context, req *Request[testRequest, testResponse]) (*Response[testResponse], error) {
		return nil, nil
	}
	if _, _, err := Register[testRequest, testResponse](m, "write").Start("a", noop).To("a", noop).End("done").Build(context.Background()); err == nil {
		t.Fatal("expected duplicate transition to fail the build")
	}
}

func TestHistoryUnknownVersion(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	t.Cleanup(func() { m.Shutdown(time.Second) })

	if _, err := m.History(context.Background(), ulid.Make()); !errors.Is(err, ErrFsmNotFound) {
		t.Fatalf("History = %v, want ErrFsmNotFound", err)
	}
}
