package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-kiosk/backend/internal/models"
	"github.com/aura-kiosk/backend/internal/protocol"
	"github.com/aura-kiosk/backend/internal/registry"
)

var errClosed = errors.New("closed")

type sentMessage struct {
	handle string
	event  string
	data   json.RawMessage
}

type fakeGateway struct {
	mu   sync.Mutex
	open map[string]bool
	sent []sentMessage
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{open: make(map[string]bool)}
}

func (g *fakeGateway) Send(handle, event string, payload interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open[handle] {
		return errClosed
	}
	var data json.RawMessage
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(v)
	}
	g.sent = append(g.sent, sentMessage{handle: handle, event: event, data: data})
	return nil
}

func (g *fakeGateway) IsOpen(handle string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open[handle]
}

func (g *fakeGateway) setOpen(handle string, open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open[handle] = open
}

func (g *fakeGateway) to(handle string) []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentMessage
	for _, m := range g.sent {
		if m.handle == handle {
			out = append(out, m)
		}
	}
	return out
}

func (g *fakeGateway) events(handle, event string) []sentMessage {
	var out []sentMessage
	for _, m := range g.to(handle) {
		if m.event == event {
			out = append(out, m)
		}
	}
	return out
}

func (g *fakeGateway) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = nil
}

type harness struct {
	t      *testing.T
	reg    *registry.Registry
	gw     *fakeGateway
	router *Router
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	reg := registry.New()
	gw := newFakeGateway()
	router := NewRouter(reg, gw, NewTokenService("test-secret", time.Hour), timeout, nil)
	t.Cleanup(router.Close)
	return &harness{t: t, reg: reg, gw: gw, router: router}
}

func (h *harness) send(handle, event, data string) {
	h.router.HandleMessage(handle, protocol.Envelope{Event: event, Data: json.RawMessage(data)})
}

func (h *harness) register(handle, deviceType, deviceID string) {
	h.t.Helper()
	h.gw.setOpen(handle, true)
	h.send(handle, protocol.EventRegisterDevice, `{"deviceType":"`+deviceType+`","deviceId":"`+deviceID+`"}`)
	acks := h.gw.events(handle, protocol.EventDeviceRegistered)
	require.NotEmpty(h.t, acks)
}

func (h *harness) disconnect(handle string) {
	h.gw.setOpen(handle, false)
	h.router.HandleDisconnect(handle, "transport close")
}

func (h *harness) sessionStarted(handle string) protocol.SessionStarted {
	h.t.Helper()
	msgs := h.gw.events(handle, protocol.EventSessionStarted)
	require.NotEmpty(h.t, msgs)
	var started protocol.SessionStarted
	require.NoError(h.t, json.Unmarshal(msgs[len(msgs)-1].data, &started))
	return started
}

func decodeError(t *testing.T, m sentMessage) protocol.Error {
	t.Helper()
	require.Equal(t, protocol.EventError, m.event)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(m.data, &e))
	return e
}

func TestRegisterDevice(t *testing.T) {
	t.Run("acknowledges registration", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")

		acks := h.gw.events("hp", protocol.EventDeviceRegistered)
		require.Len(t, acks, 1)
		assert.JSONEq(t, `{"success":true,"deviceId":"p1"}`, string(acks[0].data))

		d, ok := h.reg.Get("p1")
		require.True(t, ok)
		assert.Equal(t, "hp", d.Handle)
	})

	t.Run("rejects unknown device type", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hx", "watch", "w1")

		msgs := h.gw.to("hx")
		require.Len(t, msgs, 2)
		assert.JSONEq(t, `{"success":false,"deviceId":"w1"}`, string(msgs[0].data))
		assert.Equal(t, "Unknown device type: watch", decodeError(t, msgs[1]).Message)
		assert.Equal(t, 0, h.reg.Count())
	})

	t.Run("rejects an empty device id", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hx", "phone", "")

		msgs := h.gw.to("hx")
		require.Len(t, msgs, 2)
		assert.Equal(t, protocol.EventDeviceRegistered, msgs[0].event)
		assert.JSONEq(t, `{"success":false,"deviceId":""}`, string(msgs[0].data))
		assert.Equal(t, "Invalid register-device payload: device id required", decodeError(t, msgs[1]).Message)
		assert.Equal(t, 0, h.reg.Count())
	})
}

func TestMalformedMessages(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.gw.setOpen("ht", true)

	h.send("ht", protocol.EventStartRecord, `{"timestamp":1000}`)
	h.send("ht", "dance", `{}`)

	msgs := h.gw.to("ht")
	require.Len(t, msgs, 2)
	assert.Equal(t, "Invalid start-record payload: deviceId required", decodeError(t, msgs[0]).Message)
	assert.Equal(t, "Unknown event: dance", decodeError(t, msgs[1]).Message)
}

func TestStartRecord(t *testing.T) {
	t.Run("forwards verbatim to the phone", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.gw.reset()

		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)

		forwards := h.gw.events("hp", protocol.EventStartRecord)
		require.Len(t, forwards, 1)
		assert.JSONEq(t, `{"deviceId":"t1","timestamp":1000}`, string(forwards[0].data))

		started := h.sessionStarted("ht")
		assert.Equal(t, "t1", started.TabletDeviceID)
		assert.Equal(t, "p1", started.PhoneDeviceID)
		assert.NotEmpty(t, started.SessionToken)
		assert.Equal(t, started, h.sessionStarted("hp"))

		s, ok := h.router.Session(started.SessionID)
		require.True(t, ok)
		assert.Equal(t, models.SessionStateAwaitingRecording, s.State)
		assert.Empty(t, h.gw.events("ht", protocol.EventError))
	})

	t.Run("no phone registered", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("ht", "tablet", "t1")
		h.register("ht2", "tablet", "t2")
		h.gw.reset()

		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)

		msgs := h.gw.to("ht")
		require.Len(t, msgs, 1)
		assert.Equal(t, "No phone device connected", decodeError(t, msgs[0]).Message)
		assert.Empty(t, h.gw.to("ht2"))
		assert.Equal(t, 0, h.router.ActiveSessions())
	})

	t.Run("phone connection stale", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.gw.setOpen("hp", false)
		h.gw.reset()

		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)

		msgs := h.gw.to("ht")
		require.Len(t, msgs, 1)
		assert.Equal(t, "Phone device socket not found", decodeError(t, msgs[0]).Message)
		assert.Equal(t, 0, h.router.ActiveSessions())
	})

	t.Run("phone disconnected mid-session", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		started := h.sessionStarted("ht")
		h.gw.reset()

		h.disconnect("hp")

		_, ok := h.reg.Get("p1")
		assert.False(t, ok)
		errs := h.gw.events("ht", protocol.EventError)
		require.Len(t, errs, 1)
		e := decodeError(t, errs[0])
		assert.Equal(t, "Phone device disconnected", e.Message)
		assert.Equal(t, started.SessionID, e.SessionID)

		h.gw.reset()
		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":3000}`)
		msgs := h.gw.to("ht")
		require.Len(t, msgs, 1)
		assert.Equal(t, "No phone device connected", decodeError(t, msgs[0]).Message)
	})

	t.Run("new start supersedes open session for the same phone", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.register("ht2", "tablet", "t2")
		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		first := h.sessionStarted("ht")

		h.send("ht2", protocol.EventStartRecord, `{"deviceId":"t2","timestamp":2000}`)

		s, ok := h.router.Session(first.SessionID)
		require.True(t, ok)
		assert.Equal(t, models.SessionStateError, s.State)
		errs := h.gw.events("ht", protocol.EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, "Recording session superseded", decodeError(t, errs[0]).Message)
		assert.Equal(t, 1, h.router.ActiveSessions())
	})
}

func TestStopRecord(t *testing.T) {
	t.Run("forwards verbatim to the phone", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.gw.reset()

		h.send("ht", protocol.EventStopRecord, `{"deviceId":"t1","timestamp":1500}`)

		forwards := h.gw.events("hp", protocol.EventStopRecord)
		require.Len(t, forwards, 1)
		assert.JSONEq(t, `{"deviceId":"t1","timestamp":1500}`, string(forwards[0].data))
	})

	t.Run("reports missing phone", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("ht", "tablet", "t1")
		h.gw.reset()

		h.send("ht", protocol.EventStopRecord, `{"deviceId":"t1","timestamp":1500}`)

		msgs := h.gw.to("ht")
		require.Len(t, msgs, 1)
		assert.Equal(t, "No phone device connected", decodeError(t, msgs[0]).Message)
	})

	t.Run("token routes to the session phone", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp1", "phone", "p1")
		h.register("ht1", "tablet", "t1")
		h.send("ht1", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		started := h.sessionStarted("ht1")
		h.register("hp2", "phone", "p2")
		h.gw.reset()

		h.send("ht1", protocol.EventStopRecord, `{"deviceId":"t1","timestamp":1500,"sessionToken":"`+started.SessionToken+`"}`)

		assert.Len(t, h.gw.events("hp1", protocol.EventStopRecord), 1)
		assert.Empty(t, h.gw.to("hp2"))
	})

	t.Run("open session routes without token", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp1", "phone", "p1")
		h.register("ht1", "tablet", "t1")
		h.send("ht1", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		h.register("hp2", "phone", "p2")
		h.gw.reset()

		h.send("ht1", protocol.EventStopRecord, `{"deviceId":"t1","timestamp":1500}`)

		assert.Len(t, h.gw.events("hp1", protocol.EventStopRecord), 1)
		assert.Empty(t, h.gw.to("hp2"))
	})

	t.Run("rejects token of another tablet", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht1", "tablet", "t1")
		h.register("ht2", "tablet", "t2")
		h.send("ht1", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		started := h.sessionStarted("ht1")
		h.gw.reset()

		h.send("ht2", protocol.EventStopRecord, `{"deviceId":"t2","timestamp":1500,"sessionToken":"`+started.SessionToken+`"}`)

		msgs := h.gw.to("ht2")
		require.Len(t, msgs, 1)
		assert.Equal(t, "Session does not belong to this device", decodeError(t, msgs[0]).Message)
		assert.Empty(t, h.gw.to("hp"))
	})
}

func TestRecordingReady(t *testing.T) {
	const payload = `{"videoUrl":"https://x/y.webm","filename":"abc_rec.webm","deviceId":"p1","timestamp":2000}`

	t.Run("forwards as video-uploaded with identical fields", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.gw.reset()

		h.send("hp", protocol.EventRecordingReady, payload)

		msgs := h.gw.events("ht", protocol.EventVideoUploaded)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, payload, string(msgs[0].data))
		assert.Empty(t, h.gw.to("hp"))
	})

	t.Run("reports missing tablet to the phone", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.gw.reset()

		h.send("hp", protocol.EventRecordingReady, payload)

		msgs := h.gw.to("hp")
		require.Len(t, msgs, 1)
		assert.Equal(t, "No tablet device connected", decodeError(t, msgs[0]).Message)
	})

	t.Run("delivers the session and rejects replays", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		started := h.sessionStarted("hp")
		h.gw.reset()

		ready := `{"videoUrl":"https://x/y.webm","filename":"abc_rec.webm","deviceId":"p1","timestamp":2000,"sessionToken":"` + started.SessionToken + `"}`
		h.send("hp", protocol.EventRecordingReady, ready)

		msgs := h.gw.events("ht", protocol.EventVideoUploaded)
		require.Len(t, msgs, 1)
		assert.JSONEq(t, ready, string(msgs[0].data))
		s, ok := h.router.Session(started.SessionID)
		require.True(t, ok)
		assert.Equal(t, models.SessionStateDelivered, s.State)

		h.send("hp", protocol.EventRecordingReady, ready)
		errs := h.gw.events("hp", protocol.EventError)
		require.Len(t, errs, 1)
		e := decodeError(t, errs[0])
		assert.Equal(t, "Session is no longer active", e.Message)
		assert.Equal(t, started.SessionID, e.SessionID)
		assert.Len(t, h.gw.events("ht", protocol.EventVideoUploaded), 1)
	})

	t.Run("token prevents cross-talk between sessions", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp1", "phone", "p1")
		h.register("ht1", "tablet", "t1")
		h.send("ht1", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		first := h.sessionStarted("hp1")

		h.register("hp2", "phone", "p2")
		h.register("ht2", "tablet", "t2")
		h.send("ht2", protocol.EventStartRecord, `{"deviceId":"t2","timestamp":1100}`)
		h.gw.reset()

		h.send("hp1", protocol.EventRecordingReady,
			`{"videoUrl":"u1","filename":"f1","deviceId":"p1","timestamp":2000,"sessionToken":"`+first.SessionToken+`"}`)

		assert.Len(t, h.gw.events("ht1", protocol.EventVideoUploaded), 1)
		assert.Empty(t, h.gw.to("ht2"))
	})

	t.Run("rejects unknown token", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.gw.reset()

		h.send("hp", protocol.EventRecordingReady, `{"videoUrl":"u","filename":"f","deviceId":"p1","timestamp":1,"sessionToken":"forged"}`)

		msgs := h.gw.to("hp")
		require.Len(t, msgs, 1)
		assert.Equal(t, "Unknown session", decodeError(t, msgs[0]).Message)
		assert.Empty(t, h.gw.to("ht"))
	})

	t.Run("tablet gone fails the session", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		started := h.sessionStarted("hp")
		h.gw.setOpen("ht", false)
		h.gw.reset()

		h.send("hp", protocol.EventRecordingReady,
			`{"videoUrl":"u","filename":"f","deviceId":"p1","timestamp":2,"sessionToken":"`+started.SessionToken+`"}`)

		msgs := h.gw.to("hp")
		require.Len(t, msgs, 1)
		assert.Equal(t, "Tablet device socket not found", decodeError(t, msgs[0]).Message)
		s, _ := h.router.Session(started.SessionID)
		assert.Equal(t, models.SessionStateError, s.State)
	})
}

func TestSessionTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	h.register("hp", "phone", "p1")
	h.register("ht", "tablet", "t1")
	h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
	started := h.sessionStarted("ht")

	require.Eventually(t, func() bool {
		return len(h.gw.events("ht", protocol.EventError)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	e := decodeError(t, h.gw.events("ht", protocol.EventError)[0])
	assert.Equal(t, "Recording session timed out", e.Message)
	assert.Equal(t, started.SessionID, e.SessionID)
	s, ok := h.router.Session(started.SessionID)
	require.True(t, ok)
	assert.Equal(t, models.SessionStateError, s.State)
	assert.Equal(t, 0, h.router.ActiveSessions())
}

func TestDisconnect(t *testing.T) {
	t.Run("removes only the owner's entries", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")

		h.disconnect("hp")

		_, ok := h.reg.FindByType(models.DeviceTypePhone)
		assert.False(t, ok)
		_, ok = h.reg.Get("t1")
		assert.True(t, ok)
	})

	t.Run("tablet disconnect notifies the phone", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		h.gw.reset()

		h.disconnect("ht")

		errs := h.gw.events("hp", protocol.EventError)
		require.Len(t, errs, 1)
		assert.Equal(t, "Tablet device disconnected", decodeError(t, errs[0]).Message)
	})

	t.Run("tablet reconnect keeps the session alive", func(t *testing.T) {
		h := newHarness(t, time.Minute)
		h.register("hp", "phone", "p1")
		h.register("ht", "tablet", "t1")
		h.send("ht", protocol.EventStartRecord, `{"deviceId":"t1","timestamp":1000}`)
		started := h.sessionStarted("ht")
		h.register("ht-new", "tablet", "t1")

		h.disconnect("ht")

		s, _ := h.router.Session(started.SessionID)
		assert.Equal(t, models.SessionStateAwaitingRecording, s.State)
	})
}
