// Package protocol defines the relay's WebSocket wire format: an {event,data} envelope
// and one typed variant per inbound event.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> server events.
const (
	EventRegisterDevice = "register-device"
	EventStartRecord    = "start-record"
	EventStopRecord     = "stop-record"
	EventRecordingReady = "recording-ready"
)

// Server -> client events. start-record and stop-record are forwarded under their own names.
const (
	EventDeviceRegistered = "device-registered"
	EventSessionStarted   = "session-started"
	EventVideoUploaded    = "video-uploaded"
	EventError            = "error"
)

// ErrUnknownEvent is returned by Decode for events the relay does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the WebSocket message frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// PayloadError reports a malformed payload for a known event.
type PayloadError struct {
	Event  string
	Detail string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("Invalid %s payload: %s", e.Event, e.Detail)
}

// Message is an inbound event decoded into its typed variant.
type Message interface {
	Event() string
	// Raw is the payload exactly as the client sent it, for verbatim forwarding.
	Raw() json.RawMessage
}

type rawPayload struct{ raw json.RawMessage }

func (p rawPayload) Raw() json.RawMessage { return p.raw }

// RegisterDevice announces a client's role.
type RegisterDevice struct {
	rawPayload
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceId"`
}

func (RegisterDevice) Event() string { return EventRegisterDevice }

// StartRecord is sent by a tablet to begin recording on the phone.
type StartRecord struct {
	rawPayload
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

func (StartRecord) Event() string { return EventStartRecord }

// StopRecord is sent by a tablet to end recording on the phone.
type StopRecord struct {
	rawPayload
	DeviceID     string `json:"deviceId"`
	Timestamp    int64  `json:"timestamp"`
	SessionToken string `json:"sessionToken,omitempty"`
}

func (StopRecord) Event() string { return EventStopRecord }

// RecordingReady is sent by a phone once its artifact has been uploaded.
type RecordingReady struct {
	rawPayload
	VideoURL     string `json:"videoUrl"`
	Filename     string `json:"filename"`
	DeviceID     string `json:"deviceId"`
	Timestamp    int64  `json:"timestamp"`
	SessionToken string `json:"sessionToken,omitempty"`
}

func (RecordingReady) Event() string { return EventRecordingReady }

// Decode validates env and returns its typed variant.
func Decode(env Envelope) (Message, error) {
	data := bytes.TrimSpace(env.Data)
	switch env.Event {
	case EventRegisterDevice:
		var m RegisterDevice
		if err := unmarshal(env.Event, data, &m); err != nil {
			return nil, err
		}
		// deviceId and deviceType are validated by the registry so the
		// sender still gets a device-registered{success:false}.
		m.raw = data
		return m, nil
	case EventStartRecord:
		var m StartRecord
		if err := unmarshal(env.Event, data, &m); err != nil {
			return nil, err
		}
		if m.DeviceID == "" {
			return nil, &PayloadError{Event: env.Event, Detail: "deviceId required"}
		}
		m.raw = data
		return m, nil
	case EventStopRecord:
		var m StopRecord
		if err := unmarshal(env.Event, data, &m); err != nil {
			return nil, err
		}
		if m.DeviceID == "" {
			return nil, &PayloadError{Event: env.Event, Detail: "deviceId required"}
		}
		m.raw = data
		return m, nil
	case EventRecordingReady:
		var m RecordingReady
		if err := unmarshal(env.Event, data, &m); err != nil {
			return nil, err
		}
		switch {
		case m.VideoURL == "":
			return nil, &PayloadError{Event: env.Event, Detail: "videoUrl required"}
		case m.Filename == "":
			return nil, &PayloadError{Event: env.Event, Detail: "filename required"}
		case m.DeviceID == "":
			return nil, &PayloadError{Event: env.Event, Detail: "deviceId required"}
		}
		m.raw = data
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
}

func unmarshal(event string, data []byte, v interface{}) error {
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return &PayloadError{Event: event, Detail: "missing data"}
	}
	if data[0] != '{' {
		return &PayloadError{Event: event, Detail: "data must be an object"}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &PayloadError{Event: event, Detail: err.Error()}
	}
	return nil
}
