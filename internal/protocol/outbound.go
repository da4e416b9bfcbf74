package protocol

// DeviceRegistered acknowledges register-device.
type DeviceRegistered struct {
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId"`
}

// SessionStarted carries the token both peers echo on stop-record and recording-ready.
type SessionStarted struct {
	SessionID      string `json:"sessionId"`
	SessionToken   string `json:"sessionToken"`
	TabletDeviceID string `json:"tabletDeviceId"`
	PhoneDeviceID  string `json:"phoneDeviceId"`
	ExpiresAt      int64  `json:"expiresAt"`
}

// Error is sent to a client whose request could not be routed.
type Error struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}
