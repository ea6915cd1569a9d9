package domain

// OutcomeStatus is the per-account result class of a signal.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeWarning OutcomeStatus = "warning"
	OutcomeError   OutcomeStatus = "error"
)

// Outcome is what happened to one account for one signal.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	Action   string        `json:"action"`
	Message  string        `json:"message,omitempty"`
	OrderID  string        `json:"order_id,omitempty"`
	Quantity float64       `json:"quantity,omitempty"`
	Price    float64       `json:"price,omitempty"`
}

// Success builds a success outcome.
func Success(action, orderID string, qty, price float64) Outcome {
	return Outcome{Status: OutcomeSuccess, Action: action, OrderID: orderID, Quantity: qty, Price: price}
}

// Warning builds a warning outcome.
func Warning(action, msg string) Outcome {
	return Outcome{Status: OutcomeWarning, Action: action, Message: msg}
}

// Failure builds an error outcome.
func Failure(action string, err error) Outcome {
	return Outcome{Status: OutcomeError, Action: action, Message: err.Error()}
}

// SignalResult is the overall result of processing a signal.
type SignalResult struct {
	Status  string             `json:"status"`
	EventID string             `json:"event_id"`
	Results map[string]Outcome `json:"results"`
}

// AllFailed reports whether every account produced a hard error. An empty
// result set is not a failure.
func (r SignalResult) AllFailed() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, o := range r.Results {
		if o.Status != OutcomeError {
			return false
		}
	}
	return true
}
