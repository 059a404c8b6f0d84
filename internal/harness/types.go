package harness

// Trace event kinds.
const (
	EventOp      = "op"      // a wrapper operation of the flow
	EventRequest = "request" // a request the data source sent to the gateway
)

// TraceEvent is one entry of a scenario trace.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`

	// Action is the op name or the request action.
	Action string `json:"action"`

	Index *int `json:"index,omitempty"`

	// Outcome is "ok", "failed", "eof" or an error category.
	Outcome string `json:"outcome,omitempty"`

	// Values are the record values an op produced or touched.
	Values map[string]any `json:"values,omitempty"`

	// Body is the serialized request.
	Body any `json:"body,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addOp appends an op event.
func (r *Result) addOp(action string, index *int, outcome string, values map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     int64(len(r.Trace) + 1),
		Type:    EventOp,
		Action:  action,
		Index:   index,
		Outcome: outcome,
		Values:  values,
	})
}

// addRequest appends a request event.
func (r *Result) addRequest(action string, body any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Type:   EventRequest,
		Action: action,
		Body:   body,
	})
}
