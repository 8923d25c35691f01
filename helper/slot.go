package helper

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned when an operation is started while another holds the slot.
var ErrBusy = errors.New("another device operation is already active")

// Slot is the single active-operation cell. An operation acquires it before
// validation and releases it after its completion is reported; while held, the
// launcher records the running helper's PID so it can be signalled.
type Slot struct {
	mu   sync.Mutex
	held bool
	pid  int

	kill func(pid int, sig unix.Signal) error
}

func NewSlot() *Slot {
	return &Slot{kill: unix.Kill}
}

// Acquire claims the slot, failing with ErrBusy while it is held.
func (s *Slot) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held {
		return ErrBusy
	}
	s.held = true
	return nil
}

// Release frees the slot and forgets any PID still recorded.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held = false
	s.pid = 0
}

func (s *Slot) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Slot) SetPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// ClearPID forgets the recorded PID and reports whether one was set.
func (s *Slot) ClearPID() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := s.pid != 0
	s.pid = 0
	return cleared
}

func (s *Slot) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Cancel asks the running helper to terminate. With no helper running it does
// nothing. Termination is advisory: writes already issued are not rolled back.
func (s *Slot) Cancel() error {
	pid := s.PID()
	if pid == 0 {
		return nil
	}
	return signalTerm(s.kill, pid)
}

// Terminate sends SIGTERM to pid. A process that already exited is not an error.
func Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return signalTerm(unix.Kill, pid)
}

func signalTerm(kill func(int, unix.Signal) error, pid int) error {
	err := kill(pid, unix.SIGTERM)
	switch {
	case err == nil, errors.Is(err, unix.ESRCH):
		return nil
	default:
		return fmt.Errorf("failed to signal helper %d: %w", pid, err)
	}
}
