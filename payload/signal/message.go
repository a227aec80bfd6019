package signal

import "encoding/json"

// Broker RPC shapes. The socket transport relays channel operations over
// jsonrpc2; values travel as raw JSON so the broker never needs to know
// the concrete field types.

type WriteRequest struct {
	CallID string          `json:"call_id"`
	Field  string          `json:"field"`
	Value  json.RawMessage `json:"value"`
}

type WriteResponse struct{}

type ReadRequest struct {
	CallID string `json:"call_id"`
	Field  string `json:"field"`
}

type ReadResponse struct {
	Value json.RawMessage `json:"value"`
}

type AppendCandidateRequest struct {
	CallID    string    `json:"call_id"`
	Field     string    `json:"field"`
	Candidate Candidate `json:"candidate"`
}

type AppendCandidateResponse struct{}

type CandidatesRequest struct {
	CallID string `json:"call_id"`
	Field  string `json:"field"`
}

type CandidatesResponse struct {
	Candidates []Candidate `json:"candidates"`
}

type SubscribeRequest struct {
	CallID string `json:"call_id"`
	Field  string `json:"field"`
}

type SubscribeResponse struct {
	SubscriptionID string `json:"subscription_id"`
}

type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

type UnsubscribeResponse struct{}

type AnnounceRequest struct {
	Record CallRecord `json:"record"`
}

type AnnounceResponse struct{}

type IncomingRequest struct {
	UserID string `json:"user_id"`
}

type IncomingResponse struct {
	Records []CallRecord `json:"records"`
}

type WatchIncomingRequest struct {
	UserID string `json:"user_id"`
}

type DeleteRequest struct {
	CallID string `json:"call_id"`
}

type DeleteResponse struct{}

// UpdateNotification is pushed by the broker when a subscribed single-value
// field changes.
type UpdateNotification struct {
	SubscriptionID string          `json:"subscription_id"`
	CallID         string          `json:"call_id"`
	Field          string          `json:"field"`
	Value          json.RawMessage `json:"value"`
}

// CandidateNotification is pushed for each appended candidate on a
// subscribed candidate sub-channel, including the replay of existing ones.
type CandidateNotification struct {
	SubscriptionID string    `json:"subscription_id"`
	CallID         string    `json:"call_id"`
	Field          string    `json:"field"`
	Candidate      Candidate `json:"candidate"`
}

// IncomingNotification is pushed when a call addressed to the watched user
// is announced.
type IncomingNotification struct {
	UserID string     `json:"user_id"`
	Record CallRecord `json:"record"`
}
