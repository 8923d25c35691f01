package operation

// Form tags which half of an Event is meaningful.
type Form string

const (
	FormBytes   Form = "bytes"
	FormPercent Form = "percent"
)

// Event is a progress update. Flash and erase report cumulative bytes, format
// reports a percentage with an optional status message. Values are not
// guaranteed to be monotonic.
type Event struct {
	Kind Kind `json:"kind"`
	Form Form `json:"form"`

	Bytes uint64 `json:"bytes,omitempty"`
	// Total is zero when the size is unknown.
	Total uint64 `json:"total,omitempty"`

	Percent uint8  `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e Event) Name() string {
	return string(e.Kind) + "-progress"
}

func bytesEvent(kind Kind, n, total uint64) Event {
	return Event{Kind: kind, Form: FormBytes, Bytes: n, Total: total}
}

func percentEvent(kind Kind, percent uint8, msg string) Event {
	return Event{Kind: kind, Form: FormPercent, Percent: percent, Message: msg}
}

// Completion is delivered exactly once per operation.
type Completion struct {
	Kind  Kind   `json:"kind"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (c Completion) Name() string {
	return string(c.Kind) + "-complete"
}

// Sink receives progress and completion notifications. Calls come from the
// operation's worker goroutines, in decode order.
type Sink interface {
	Progress(Event)
	Complete(Completion)
}

type nopSink struct{}

func (nopSink) Progress(Event)      {}
func (nopSink) Complete(Completion) {}
