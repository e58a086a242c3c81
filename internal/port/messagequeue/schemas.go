package messagequeue

// RunStartPayload is the schema for runs.start messages.
type RunStartPayload struct {
	RunID            string            `json:"run_id"`
	Attempt          int               `json:"attempt"`
	BillingAccountID string            `json:"billing_account_id"`
	VirtualKeyID     string            `json:"virtual_key_id,omitempty"`
	Graph            string            `json:"graph,omitempty"`
	Input            string            `json:"input"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RunCancelPayload is the schema for runs.cancel messages.
type RunCancelPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}
