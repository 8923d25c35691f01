package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"inscribe/operation"
)

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// newSink renders progress as a bar on an interactive stderr and as JSON
// lines on stdout otherwise.
func newSink(jsonOutput bool) operation.Sink {
	if jsonOutput || !isTerminal(os.Stderr) {
		return newJSONSink(os.Stdout)
	}
	return &barSink{out: os.Stderr}
}

type barSink struct {
	mu  sync.Mutex
	out io.Writer
	bar *progressbar.ProgressBar
}

func (s *barSink) newBar(limit int64, desc string, bytes bool) *progressbar.ProgressBar {
	return progressbar.NewOptions64(limit,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionShowBytes(bytes),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetPredictTime(bytes),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (s *barSink) Progress(e operation.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Form {
	case operation.FormPercent:
		if s.bar == nil {
			s.bar = s.newBar(100, string(e.Kind), false)
		}
		if e.Message != "" {
			s.bar.Describe(fmt.Sprintf("%s: %s", e.Kind, e.Message))
		}
		_ = s.bar.Set(int(e.Percent))
	default:
		if s.bar == nil {
			// -1 renders a spinner when the total is unknown.
			limit := int64(-1)
			if e.Total > 0 {
				limit = int64(e.Total)
			}
			s.bar = s.newBar(limit, string(e.Kind), true)
		}
		_ = s.bar.Set64(int64(e.Bytes))
	}
}

func (s *barSink) Complete(c operation.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bar != nil {
		if c.OK {
			_ = s.bar.Finish()
		} else {
			_ = s.bar.Exit()
		}
		fmt.Fprintln(s.out)
	}

	if c.OK {
		color.New(color.FgGreen).Fprintf(s.out, "%s completed\n", c.Kind)
		return
	}
	color.New(color.FgRed).Fprintf(s.out, "%s failed: %s\n", c.Kind, c.Error)
}

// jsonLine is one notification as written by jsonSink.
type jsonLine struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type jsonSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{enc: json.NewEncoder(w)}
}

func (s *jsonSink) write(name string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(jsonLine{Event: name, Payload: payload})
}

func (s *jsonSink) Progress(e operation.Event) { s.write(e.Name(), e) }

func (s *jsonSink) Complete(c operation.Completion) { s.write(c.Name(), c) }
