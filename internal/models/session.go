package models

import "time"

// SessionState is the lifecycle of one record-and-deliver cycle.
type SessionState string

const (
	SessionStateIdle              SessionState = "idle"
	SessionStateAwaitingRecording SessionState = "awaiting-recording"
	SessionStateDelivered         SessionState = "delivered"
	SessionStateError             SessionState = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionState) Terminal() bool {
	return s == SessionStateDelivered || s == SessionStateError
}

// Session pairs one tablet and one phone for a single recording.
type Session struct {
	ID           string       `json:"session_id"`
	Token        string       `json:"-"`
	TabletID     string       `json:"tablet_device_id"`
	PhoneID      string       `json:"phone_device_id"`
	TabletHandle string       `json:"-"`
	State        SessionState `json:"state"`
	Reason       string       `json:"reason,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}
