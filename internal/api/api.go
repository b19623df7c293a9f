package api

import "encoding/json"

// PresentRequest is the body of a present (heartbeat) call. GroupIDs belong
// in the caller's auth layer in a real deployment; the debug transport
// accepts them directly.
type PresentRequest struct {
	Channel  string  `json:"channel"`
	UserID   int64   `json:"user_id"`
	ClientID string  `json:"client_id"`
	GroupIDs []int64 `json:"group_ids"`
}

// Validate ...
func (r *PresentRequest) Validate() bool {
	return r.Channel != "" && r.ClientID != ""
}

// LeaveRequest is the body of a leave call.
type LeaveRequest struct {
	Channel  string  `json:"channel"`
	UserID   int64   `json:"user_id"`
	ClientID string  `json:"client_id"`
	GroupIDs []int64 `json:"group_ids"`
}

// Validate ...
func (r *LeaveRequest) Validate() bool {
	return r.Channel != "" && r.ClientID != ""
}

// StateResponse ...
type StateResponse struct {
	Channel        string  `json:"channel"`
	LastSequenceID int64   `json:"last_sequence_id"`
	UserIDs        []int64 `json:"user_ids,omitempty"`
	Count          int64   `json:"count"`
}

// Marshal ...
func (r *StateResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ErrorResponse ...
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Marshal ...
func (r *ErrorResponse) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
