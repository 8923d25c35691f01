package fsm

// EventType identifies a record in the event log.
type EventType string

const (
	EventTypeStart    EventType = "start"
	EventTypeComplete EventType = "complete"
	EventTypeCancel   EventType = "cancel"
	EventTypeError    EventType = "error"
	EventTypeFinish   EventType = "finish"
)

// RunState is the in-memory state of a run.
type RunState string

const (
	RunStatePending  RunState = "pending"
	RunStateRunning  RunState = "running"
	RunStateComplete RunState = "complete"
)

// StateEvent is one entry in a run's event log.
type StateEvent struct {
	Type         EventType `json:"type"`
	ID           string    `json:"id"`
	ResourceType string    `json:"resource_type"`
	Action       string    `json:"action"`
	State        string    `json:"state"`
	RunVersion   string    `json:"run_version"`
	Error        string    `json:"error,omitempty"`
	RetryCount   uint64    `json:"retry_count,omitempty"`
	Response     []byte    `json:"response,omitempty"`
}

// ActiveEvent tracks a run from its start event until it finishes.
type ActiveEvent struct {
	StartEvent   string            `json:"start_event"`
	EndEvent     string            `json:"end_event,omitempty"`
	StartVersion string            `json:"start_version"`
	Action       string            `json:"action"`
	ResourceID   string            `json:"resource_id"`
	Resource     []byte            `json:"resource"`
	Transitions  []string          `json:"transitions"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// HistoryEvent is an archived run and the last event it recorded.
type HistoryEvent struct {
	ActiveEvent *ActiveEvent `json:"active_event"`
	LastEvent   *StateEvent  `json:"last_event"`
}

func (h *HistoryEvent) lastError() string {
	if h == nil || h.LastEvent == nil {
		return ""
	}
	return h.LastEvent.Error
}
