package harness

// TraceEvent is one emitted market event, with item ids replaced by alias.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Kind string `json:"kind"`
	Item string `json:"item,omitempty"`
}

// TraceEntry records one executed step.
type TraceEntry struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	// At is the clock after the step, in seconds since the scenario start.
	At int64 `json:"at"`
	// Outcome is "ok", an item error code, or "ERROR".
	Outcome string         `json:"outcome"`
	Result  map[string]any `json:"result,omitempty"`
	Events  []TraceEvent   `json:"events,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step met its expectation and
	// every assertion held.
	Pass bool `json:"pass"`

	// Trace contains one entry per executed step.
	Trace []TraceEntry `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
