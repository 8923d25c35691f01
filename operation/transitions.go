package operation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"inscribe/device"
	"inscribe/fsm"
	"inscribe/helper"
	"inscribe/history"
	"inscribe/progress"
)

// outcome is the state carried between transitions. The exported fields are
// persisted with each completed transition.
type outcome struct {
	Total       uint64 `json:"total,omitempty"`
	Bytes       uint64 `json:"bytes,omitempty"`
	PID         int    `json:"pid,omitempty"`
	Elevation   string `json:"elevation,omitempty"`
	Exited      bool   `json:"exited,omitempty"`
	ExitCode    int    `json:"exit_code,omitempty"`
	EndOfDevice bool   `json:"end_of_device,omitempty"`
	Verified    bool   `json:"verified,omitempty"`

	proc *helper.Process
	tail *progress.Tail
}

func (o *Orchestrator) validate(ctx context.Context, req *fsm.Request[job, outcome]) (*fsm.Response[outcome], error) {
	var (
		j      = req.Msg
		out    = req.W.Msg
		logger = req.Log()
	)

	if err := j.Validate(); err != nil {
		return nil, fsm.NewUnrecoverableUserError(err)
	}

	if err := o.classifier.Check(ctx, j.Device); err != nil {
		if errors.Is(err, device.ErrSystemDiskVeto) || errors.Is(err, device.ErrInvalidDevicePath) {
			return nil, fsm.NewUnrecoverableUserError(err)
		}
		// An unreadable mount table aborts the operation.
		return nil, fsm.NewUnrecoverableSystemError(err)
	}

	switch j.Kind {
	case KindFlash:
		info, err := device.InspectImage(j.Image)
		if err != nil {
			return nil, fsm.NewUnrecoverableUserError(err)
		}
		out.Total = uint64(info.Size)
		logger.WithFields(logrus.Fields{
			"image_size": info.Size,
			"iso":        info.ISO,
			"label":      info.Label,
		}).Info("image inspected")
	case KindErase:
		size, err := o.sizer.SizeBytes(j.Device)
		if err != nil {
			logger.WithError(err).Warn("device size unknown, erase progress will have no total")
			break
		}
		out.Total = size
	}

	return fsm.NewResponse(out), nil
}

func (o *Orchestrator) launch(ctx context.Context, req *fsm.Request[job, outcome]) (*fsm.Response[outcome], error) {
	var (
		j      = req.Msg
		out    = req.W.Msg
		logger = req.Log()
	)

	if j.Kind == KindFlash {
		if err := o.unmount(ctx, j.Device); err != nil {
			return nil, err
		}
	}

	proc, err := o.launcher.Spawn(ctx, j.Args()...)
	if err != nil {
		return nil, fsm.NewUnrecoverableSystemError(err)
	}
	out.proc = proc
	out.PID = proc.Pid
	out.Elevation = string(proc.Path)

	logger.WithFields(logrus.Fields{
		"pid":       proc.Pid,
		"elevation": proc.Path,
	}).Info("helper started")

	if err := o.history.SetPID(context.WithoutCancel(ctx), j.ID, proc.Pid); err != nil {
		logger.WithError(err).Warn("failed to record helper pid")
	}

	switch j.Kind {
	case KindFormat:
		o.sink.Progress(percentEvent(j.Kind, 0, "Starting"))
	default:
		o.sink.Progress(bytesEvent(j.Kind, 0, out.Total))
	}

	return fsm.NewResponse(out), nil
}

// unmount detaches every mounted partition of dev. A non-zero exit is returned
// as a plain error so the transition is retried.
func (o *Orchestrator) unmount(ctx context.Context, dev string) error {
	res, err := o.launcher.Run(ctx, "unmount", dev)
	var (
		elevErr  *helper.ElevationError
		spawnErr *helper.SpawnError
	)
	switch {
	case errors.As(err, &elevErr), errors.As(err, &spawnErr):
		return fsm.NewUnrecoverableSystemError(err)
	case err != nil:
		return fmt.Errorf("failed to unmount %s: %w", dev, err)
	case !res.OK():
		return fmt.Errorf("unmount of %s exited with status %d", dev, res.ExitCode)
	}
	return nil
}

type exitStatus struct {
	code int
	err  error
}

func (o *Orchestrator) run(ctx context.Context, req *fsm.Request[job, outcome]) (*fsm.Response[outcome], error) {
	var (
		j      = req.Msg
		out    = req.W.Msg
		logger = req.Log()
		proc   = out.proc
	)
	if proc == nil {
		return nil, fsm.NewUnrecoverableSystemError(errors.New("helper was not started"))
	}

	out.tail = progress.NewTail(progress.DefaultTailSize)

	drained := make(chan error, 1)
	go func() {
		drained <- o.drain(logger, j.Kind, out, proc.Stderr)
	}()

	exited := make(chan exitStatus, 1)
	go func() {
		code, err := proc.Wait()
		exited <- exitStatus{code: code, err: err}
	}()

	var status exitStatus
	select {
	case status = <-exited:
	case <-ctx.Done():
		logger.WithError(context.Cause(ctx)).Info("stop requested, signalling helper")
		if err := o.slot.Cancel(); err != nil {
			logger.WithError(err).Warn("failed to signal helper")
		}
		status = <-exited
	}

	// The exit status decides the outcome; a broken stream only loses lines.
	if err := <-drained; err != nil {
		logger.WithError(err).Warn("progress stream read failed")
	}
	proc.Stderr.Close()
	o.slot.ClearPID()

	out.Exited = true
	out.ExitCode = status.code
	if status.err != nil {
		return nil, fsm.NewUnrecoverableSystemError(fmt.Errorf("failed to wait for helper: %w", status.err))
	}

	logger.WithField("exit_code", status.code).Info("helper exited")
	return fsm.NewResponse(out), nil
}

// drain decodes the helper's stderr, keeping every line in the tail and
// turning progress lines into events.
func (o *Orchestrator) drain(logger logrus.FieldLogger, kind Kind, out *outcome, r io.Reader) error {
	var (
		dec    = progress.NewDecoder(r)
		format progress.FormatState
	)
	for line := range dec.Lines() {
		out.tail.Push(line)
		logger.WithField("line", line).Debug("helper output")

		switch kind {
		case KindFormat:
			if update, ok := format.Apply(line); ok {
				o.sink.Progress(percentEvent(kind, update.Percent, update.Message))
			}
		default:
			if n, ok := progress.ParseByteCount(line); ok {
				out.Bytes = n
				o.sink.Progress(bytesEvent(kind, n, out.Total))
			}
		}
	}

	// The helper blocks once the pipe fills, so keep reading until it exits.
	err := dec.Err()
	if err != nil {
		io.Copy(io.Discard, r)
	}
	return err
}

func (o *Orchestrator) finalize(ctx context.Context, req *fsm.Request[job, outcome]) (*fsm.Response[outcome], error) {
	var (
		j      = req.Msg
		out    = req.W.Msg
		logger = req.Log()
	)

	code := out.ExitCode
	switch {
	case code == 0:
	case j.Kind == KindErase && (code == ExitEndOfDevice || out.tail.Contains(endOfDeviceSignature)):
		logger.WithField("exit_code", code).Info("erase reached end of device")
		out.EndOfDevice = true
	default:
		lines := out.tail.Last(maxErrorLines)
		if elevErr := helper.ClassifyExit(helper.Elevation(out.Elevation), code, lines); elevErr != nil {
			return nil, fsm.NewUnrecoverableSystemError(elevErr)
		}
		return nil, fsm.NewUnrecoverableSystemError(&RuntimeError{ExitCode: code, Tail: lines})
	}

	switch j.Kind {
	case KindFlash, KindErase:
		unix.Sync()
		if out.Total > 0 {
			out.Bytes = out.Total
			o.sink.Progress(bytesEvent(j.Kind, out.Total, out.Total))
		}
	case KindFormat:
		o.sink.Progress(percentEvent(j.Kind, 100, "Done"))
	}

	if v := j.Verify; j.Kind == KindFlash && v != nil && v.Samples > 0 && v.SampleSize > 0 {
		logger.WithFields(logrus.Fields{
			"samples":     v.Samples,
			"sample_size": v.SampleSize,
		}).Info("verifying written device")

		equal, err := o.compare(j.Image, j.Device, v.Samples, v.SampleSize)
		switch {
		case err != nil:
			return nil, fsm.NewUnrecoverableSystemError(fmt.Errorf("verification failed: %w", err))
		case !equal:
			return nil, fsm.NewUnrecoverableSystemError(ErrVerificationMismatch)
		}
		out.Verified = true
	}

	return fsm.NewResponse(out), nil
}

// complete runs once per operation, whatever its outcome. Runs closed out
// after a restart only update the record; they own neither the slot nor the
// lock.
func (o *Orchestrator) complete(ctx context.Context, req *fsm.Request[job, outcome], runErr fsm.RunErr) {
	ctx = context.WithoutCancel(ctx)

	var (
		j           = req.Msg
		out         = req.W.Msg
		logger      = req.Log()
		err         = runErr.Err
		interrupted = errors.Is(err, fsm.ErrInterrupted)
	)

	o.reap(logger, out)

	state, msg := history.StateSucceeded, ""
	if err != nil {
		state, msg = history.StateFailed, err.Error()
	}

	var exitCode *int
	if out.Exited {
		exitCode = &out.ExitCode
	}
	if j.ID != "" {
		if herr := o.history.Finish(ctx, j.ID, state, exitCode, msg); herr != nil {
			logger.WithError(herr).Error("failed to record operation outcome")
		}
	}

	label := "ok"
	switch {
	case interrupted:
		label = "interrupted"
	case err != nil:
		label = string(Classify(err))
	default:
		operationBytesVec.WithLabelValues(string(j.Kind)).Add(float64(out.Bytes))
	}
	operationCounterVec.WithLabelValues(string(j.Kind), label).Inc()

	if interrupted {
		logger.WithError(err).Warn("closed out interrupted operation")
		return
	}

	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"kind":  Classify(err),
			"state": runErr.State,
		}).Error("operation failed")
	} else {
		logger.Info("operation succeeded")
	}

	o.sink.Complete(Completion{Kind: j.Kind, OK: err == nil, Error: msg})

	o.finishCurrent(j.ID)
	o.release(ctx, logger)
}

// reap terminates and waits for a helper whose running step never observed
// its exit, so no process outlives the operation.
func (o *Orchestrator) reap(logger logrus.FieldLogger, out *outcome) {
	if out.proc == nil || out.Exited {
		return
	}

	logger.WithField("pid", out.proc.Pid).Warn("helper still running at completion, terminating")
	if err := o.slot.Cancel(); err != nil {
		logger.WithError(err).Warn("failed to signal helper")
	}

	go io.Copy(io.Discard, out.proc.Stderr)
	code, err := out.proc.Wait()
	out.proc.Stderr.Close()
	o.slot.ClearPID()
	if err != nil {
		logger.WithError(err).Warn("failed to wait for helper")
	}
	out.Exited = true
	out.ExitCode = code
}
