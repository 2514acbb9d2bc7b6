package outpaint

import "time"

// BackendResult is the outcome of one adapter invocation, produced exactly
// once per attempt.
type BackendResult struct {
	Adapter     AdapterID `json:"adapter"`
	OutputPaths []string  `json:"output_paths"`
	Requested   int       `json:"requested"`
	Produced    int       `json:"produced"`
	Err         error     `json:"-"`
}

func (r BackendResult) Successful() bool {
	return r.Err == nil
}

// Partial reports that fewer images than requested were produced, treated as
// degraded success rather than failure.
func (r BackendResult) Partial() bool {
	return r.Err == nil && r.Produced < r.Requested
}

// Attempt records one adapter try for diagnostics: which adapter, what class
// of failure (empty on success) and the reason.
type Attempt struct {
	Adapter  AdapterID  `json:"adapter"`
	Class    ErrorClass `json:"class,omitempty"`
	Message  string     `json:"message,omitempty"`
	Fallback bool       `json:"fallback"`
}

// DispatchOutcome is the result surfaced to the caller for one request. At
// most one attempt succeeds; a terminal failure carries every attempt's error
// classification so the operator can tell "both backends down" apart from
// "these parameters are invalid".
type DispatchOutcome struct {
	RequestID    string    `json:"request_id"`
	Successful   bool      `json:"successful"`
	Skipped      bool      `json:"skipped"`
	Adapter      AdapterID `json:"adapter,omitempty"`
	UsedFallback bool      `json:"used_fallback"`
	OutputPaths  []string  `json:"output_paths,omitempty"`
	Warning      string    `json:"warning,omitempty"`
	Attempts     []Attempt `json:"attempts"`
	Err          error     `json:"-"`
	FinishedAt   time.Time `json:"finished_at"`
}

// ErrorMessage flattens Err for transport to the HTTP layer.
func (o DispatchOutcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
