package internal

// Event is a single push as seen by the relay rules.
type Event struct {
	Provider  string                 `json:"provider"`
	Name      string                 `json:"name"`
	RequestID string                 `json:"request_id"`
	Data      map[string]interface{} `json:"data"`
	// RawObject is the decoded webhook body, used for JSONPath lookups.
	RawObject interface{} `json:"-"`
}
