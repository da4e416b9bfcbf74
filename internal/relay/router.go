// Package relay implements the session router: it binds controller actions from a tablet
// to the recorder phone and tracks each record-and-deliver cycle as an explicit session.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-kiosk/backend/internal/cluster"
	"github.com/aura-kiosk/backend/internal/models"
	"github.com/aura-kiosk/backend/internal/protocol"
	"github.com/aura-kiosk/backend/internal/registry"
)

const (
	// DefaultSessionTimeout bounds how long a tablet waits for recording-ready.
	DefaultSessionTimeout = 10 * time.Minute

	opTimeout = 5 * time.Second
)

// Error messages reported to clients.
const (
	msgNoPhone            = "No phone device connected"
	msgNoTablet           = "No tablet device connected"
	msgPhoneStale         = "Phone device socket not found"
	msgTabletStale        = "Tablet device socket not found"
	msgUnknownSession     = "Unknown session"
	msgForeignSession     = "Session does not belong to this device"
	msgInactiveSession    = "Session is no longer active"
	msgSessionTimedOut    = "Recording session timed out"
	msgSessionSuperseded  = "Recording session superseded"
	msgPhoneDisconnected  = "Phone device disconnected"
	msgTabletDisconnected = "Tablet device disconnected"
	msgSessionFailed      = "Failed to start session"
)

var (
	errNotRegistered = errors.New("device not registered")
	errStaleHandle   = errors.New("device connection stale")
)

// Gateway delivers messages to live connections (realtime.Hub).
type Gateway interface {
	Send(handle, event string, payload interface{}) error
	IsOpen(handle string) bool
}

// Directory shares presence with other relay instances (cluster.Directory).
type Directory interface {
	Instance() string
	Announce(ctx context.Context, dev models.Device) error
	Refresh(ctx context.Context, deviceID string) error
	Withdraw(ctx context.Context, dev models.Device) error
	Lookup(ctx context.Context, deviceID string) (cluster.Presence, bool, error)
	FindByType(ctx context.Context, t models.DeviceType) (cluster.Presence, bool, error)
	Forward(ctx context.Context, instance string, del cluster.Delivery) error
}

type session struct {
	models.Session
	timer *time.Timer
	prune *time.Timer
}

// route addresses one device, either on this instance or on the instance named by instance.
type route struct {
	deviceID string
	handle   string
	instance string
}

func (rt route) remote() bool { return rt.instance != "" }

// Router interprets inbound control messages against the registry and forwards them to
// the right peer. Message handling, disconnects and session timers are serialized by mu,
// so every routing step runs to completion before the next one starts.
type Router struct {
	mu       sync.Mutex
	registry *registry.Registry
	gateway  Gateway
	dir      Directory
	tokens   *TokenService
	timeout  time.Duration
	sessions map[string]*session
	logger   *zap.Logger
	now      func() time.Time
	closed   bool
}

// NewRouter creates a session router.
func NewRouter(reg *registry.Registry, gw Gateway, tokens *TokenService, sessionTimeout time.Duration, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	return &Router{
		registry: reg,
		gateway:  gw,
		tokens:   tokens,
		timeout:  sessionTimeout,
		sessions: make(map[string]*session),
		logger:   logger,
		now:      time.Now,
	}
}

// SetDirectory enables cross-instance routing.
func (r *Router) SetDirectory(dir Directory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir = dir
}

// HandleMessage decodes and routes one inbound envelope from handle.
func (r *Router) HandleMessage(handle string, env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		var perr *protocol.PayloadError
		if errors.As(err, &perr) {
			r.replyError(handle, perr.Error(), "")
		} else {
			r.replyError(handle, "Unknown event: "+env.Event, "")
		}
		r.logger.Warn("message rejected", zap.String("handle", handle), zap.String("event", env.Event), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	switch m := msg.(type) {
	case protocol.RegisterDevice:
		r.register(ctx, handle, m)
	case protocol.StartRecord:
		r.startRecord(ctx, handle, m)
	case protocol.StopRecord:
		r.stopRecord(ctx, handle, m)
	case protocol.RecordingReady:
		r.recordingReady(ctx, handle, m)
	}
}

func (r *Router) register(ctx context.Context, handle string, m protocol.RegisterDevice) {
	prev, existed := r.registry.Get(m.DeviceID)
	dev, err := r.registry.Register(m.DeviceID, models.DeviceType(m.DeviceType), handle)
	if err != nil {
		r.reply(handle, protocol.EventDeviceRegistered, protocol.DeviceRegistered{Success: false, DeviceID: m.DeviceID})
		if errors.Is(err, registry.ErrUnknownDeviceType) {
			r.replyError(handle, "Unknown device type: "+m.DeviceType, "")
		} else {
			r.replyError(handle, "Invalid register-device payload: "+err.Error(), "")
		}
		r.logger.Warn("device registration rejected", zap.String("device_id", m.DeviceID), zap.String("device_type", m.DeviceType), zap.Error(err))
		return
	}
	r.reply(handle, protocol.EventDeviceRegistered, protocol.DeviceRegistered{Success: true, DeviceID: dev.ID})
	if r.dir != nil {
		if err := r.dir.Announce(ctx, dev); err != nil {
			r.logger.Warn("announce device failed", zap.String("device_id", dev.ID), zap.Error(err))
		}
	}
	r.logger.Info("device registered",
		zap.String("device_id", dev.ID),
		zap.String("device_type", string(dev.Type)),
		zap.String("handle", handle),
		zap.Bool("replaced", existed && prev.Handle != handle),
		zap.Int("devices", r.registry.Count()),
	)
}

func (r *Router) startRecord(ctx context.Context, handle string, m protocol.StartRecord) {
	rt, err := r.resolve(ctx, models.DeviceTypePhone, "")
	if err != nil {
		r.logger.Warn("start record: no phone device connected", zap.String("device_id", m.DeviceID), zap.Int("devices", r.registry.Count()))
		r.replyError(handle, routeFailure(err, models.DeviceTypePhone), "")
		return
	}

	id := uuid.New().String()
	token, expires, err := r.tokens.Issue(id, m.DeviceID, rt.deviceID)
	if err != nil {
		r.logger.Error("issue session token failed", zap.Error(err))
		r.replyError(handle, msgSessionFailed, "")
		return
	}

	if err := r.send(ctx, rt, models.DeviceTypePhone, protocol.EventStartRecord, m.Raw(), handle); err != nil {
		r.logger.Error("start record: phone socket not found", zap.String("phone_id", rt.deviceID), zap.String("phone_handle", rt.handle), zap.Error(err))
		r.replyError(handle, routeFailure(err, models.DeviceTypePhone), "")
		return
	}

	for _, s := range r.sessions {
		if !s.State.Terminal() && s.PhoneID == rt.deviceID {
			r.fail(ctx, s, msgSessionSuperseded, true, false)
		}
	}

	now := r.now()
	s := &session{Session: models.Session{
		ID:           id,
		Token:        token,
		TabletID:     m.DeviceID,
		PhoneID:      rt.deviceID,
		TabletHandle: handle,
		State:        models.SessionStateAwaitingRecording,
		StartedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    expires,
	}}
	r.sessions[id] = s
	s.timer = time.AfterFunc(r.timeout, func() { r.expire(id) })

	started := protocol.SessionStarted{
		SessionID:      id,
		SessionToken:   token,
		TabletDeviceID: m.DeviceID,
		PhoneDeviceID:  rt.deviceID,
		ExpiresAt:      expires.UnixMilli(),
	}
	r.reply(handle, protocol.EventSessionStarted, started)
	if data, err := json.Marshal(started); err == nil {
		if err := r.send(ctx, rt, models.DeviceTypePhone, protocol.EventSessionStarted, data, ""); err != nil {
			r.logger.Warn("session-started not delivered to phone", zap.String("session_id", id), zap.Error(err))
		}
	}

	r.logger.Info("start record command sent to phone",
		zap.String("session_id", id),
		zap.String("tablet_id", m.DeviceID),
		zap.String("phone_id", rt.deviceID),
		zap.Bool("remote", rt.remote()),
		zap.Int64("timestamp", m.Timestamp),
	)
}

func (r *Router) stopRecord(ctx context.Context, handle string, m protocol.StopRecord) {
	var phoneID, sessionID string
	if m.SessionToken != "" {
		claims, msg := r.authorize(m.SessionToken, m.DeviceID, models.DeviceTypeTablet)
		if msg != "" {
			r.replyError(handle, msg, sessionIDOf(claims))
			r.logger.Warn("stop record rejected", zap.String("device_id", m.DeviceID), zap.String("reason", msg))
			return
		}
		phoneID, sessionID = claims.Phone, claims.SessionID()
	} else if s := r.openSession(func(s *session) bool { return s.TabletID == m.DeviceID }); s != nil {
		phoneID, sessionID = s.PhoneID, s.ID
	}

	rt, err := r.resolve(ctx, models.DeviceTypePhone, phoneID)
	if err == nil {
		err = r.send(ctx, rt, models.DeviceTypePhone, protocol.EventStopRecord, m.Raw(), handle)
	}
	if err != nil {
		r.logger.Warn("stop record not delivered", zap.String("device_id", m.DeviceID), zap.String("session_id", sessionID), zap.Error(err))
		r.replyError(handle, routeFailure(err, models.DeviceTypePhone), sessionID)
		return
	}
	r.logger.Info("stop record command sent to phone",
		zap.String("session_id", sessionID),
		zap.String("tablet_id", m.DeviceID),
		zap.String("phone_id", rt.deviceID),
		zap.Bool("remote", rt.remote()),
	)
}

func (r *Router) recordingReady(ctx context.Context, handle string, m protocol.RecordingReady) {
	var tabletID, sessionID string
	if m.SessionToken != "" {
		claims, msg := r.authorize(m.SessionToken, m.DeviceID, models.DeviceTypePhone)
		if msg != "" {
			r.replyError(handle, msg, sessionIDOf(claims))
			r.logger.Warn("recording ready rejected", zap.String("device_id", m.DeviceID), zap.String("reason", msg))
			return
		}
		tabletID, sessionID = claims.Tablet, claims.SessionID()
	} else if s := r.openSession(func(s *session) bool { return s.PhoneID == m.DeviceID }); s != nil {
		tabletID, sessionID = s.TabletID, s.ID
	}
	s := r.sessions[sessionID]

	rt, err := r.resolve(ctx, models.DeviceTypeTablet, tabletID)
	if errors.Is(err, errNotRegistered) && s != nil && r.gateway.IsOpen(s.TabletHandle) {
		// The controller started the session without registering; reach it by its connection.
		rt, err = route{deviceID: s.TabletID, handle: s.TabletHandle}, nil
	}
	if err == nil {
		err = r.send(ctx, rt, models.DeviceTypeTablet, protocol.EventVideoUploaded, m.Raw(), handle)
	}
	if err != nil {
		msg := routeFailure(err, models.DeviceTypeTablet)
		r.logger.Warn("video url not delivered to tablet",
			zap.String("session_id", sessionID),
			zap.String("phone_id", m.DeviceID),
			zap.String("video_url", m.VideoURL),
			zap.Error(err),
		)
		r.replyError(handle, msg, sessionID)
		if s != nil && !s.State.Terminal() {
			r.fail(ctx, s, msg, false, false)
		}
		return
	}
	if s != nil && !s.State.Terminal() {
		r.transition(s, models.SessionStateDelivered, "")
	}
	r.logger.Info("video url sent to tablet",
		zap.String("session_id", sessionID),
		zap.String("tablet_id", rt.deviceID),
		zap.String("video_url", m.VideoURL),
		zap.Bool("remote", rt.remote()),
	)
}

// HandleDisconnect removes the devices owned by handle and fails their open sessions.
func (r *Router) HandleDisconnect(handle, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.registry.RemoveByConnection(handle)
	gone := make(map[string]models.DeviceType, len(removed))
	for _, dev := range removed {
		gone[dev.ID] = dev.Type
		if r.dir != nil {
			if err := r.dir.Withdraw(ctx, dev); err != nil {
				r.logger.Warn("withdraw device failed", zap.String("device_id", dev.ID), zap.Error(err))
			}
		}
		r.logger.Info("device removed from registry",
			zap.String("device_id", dev.ID),
			zap.String("device_type", string(dev.Type)),
			zap.String("reason", reason),
			zap.Int("devices", r.registry.Count()),
		)
	}

	for _, s := range r.sessions {
		if s.State.Terminal() {
			continue
		}
		if t, ok := gone[s.PhoneID]; ok && t == models.DeviceTypePhone {
			r.fail(ctx, s, msgPhoneDisconnected, true, false)
			continue
		}
		tabletGone := gone[s.TabletID] == models.DeviceTypeTablet
		if !tabletGone && s.TabletHandle == handle {
			_, registered := r.registry.Get(s.TabletID)
			tabletGone = !registered
		}
		if tabletGone {
			r.fail(ctx, s, msgTabletDisconnected, false, true)
		}
	}
}

// Touch records liveness for the devices owned by handle.
func (r *Router) Touch(handle string) {
	touched := r.registry.Touch(handle)
	r.mu.Lock()
	dir := r.dir
	r.mu.Unlock()
	if dir == nil || len(touched) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	for _, dev := range touched {
		if err := dir.Refresh(ctx, dev.ID); err != nil {
			r.logger.Debug("refresh presence failed", zap.String("device_id", dev.ID), zap.Error(err))
		}
	}
}

// HandleDelivery hands a message forwarded by another instance to the local connection.
func (r *Router) HandleDelivery(del cluster.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	handle := del.Handle
	if del.DeviceID != "" {
		dev, ok := r.registry.Get(del.DeviceID)
		if !ok {
			r.bounce(ctx, del)
			return
		}
		handle = dev.Handle
	}
	if err := r.gateway.Send(handle, del.Event, del.Data); err != nil {
		r.bounce(ctx, del)
		return
	}
	if del.Event == protocol.EventVideoUploaded {
		if s := r.sessionForPayload(del.Data); s != nil {
			r.transition(s, models.SessionStateDelivered, "")
		}
	}
	r.logger.Debug("remote delivery", zap.String("event", del.Event), zap.String("device_id", del.DeviceID))
}

// ActiveSessions returns the number of sessions awaiting a recording.
func (r *Router) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

// Session returns a snapshot of a session known to this instance.
func (r *Router) Session(id string) (models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return s.Session, true
}

// Close stops all session timers.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.sessions {
		stopTimer(s.timer)
		stopTimer(s.prune)
	}
}

// resolve finds deviceID, or the preferred device of type t when deviceID is empty.
// Local registrations win over remote ones.
func (r *Router) resolve(ctx context.Context, t models.DeviceType, deviceID string) (route, error) {
	if deviceID != "" {
		if d, ok := r.registry.Get(deviceID); ok && d.Type == t {
			return route{deviceID: d.ID, handle: d.Handle}, nil
		}
	} else if d, ok := r.registry.FindByType(t); ok {
		return route{deviceID: d.ID, handle: d.Handle}, nil
	}
	if r.dir == nil {
		return route{}, errNotRegistered
	}

	var (
		p   cluster.Presence
		ok  bool
		err error
	)
	if deviceID != "" {
		p, ok, err = r.dir.Lookup(ctx, deviceID)
		if ok && (p.Type != t || p.Instance == r.dir.Instance()) {
			ok = false
		}
	} else {
		p, ok, err = r.dir.FindByType(ctx, t)
	}
	if err != nil {
		r.logger.Warn("directory lookup failed", zap.String("device_type", string(t)), zap.Error(err))
		return route{}, errNotRegistered
	}
	if !ok {
		return route{}, errNotRegistered
	}
	return route{deviceID: p.DeviceID, handle: p.Handle, instance: p.Instance}, nil
}

func (r *Router) send(ctx context.Context, rt route, t models.DeviceType, event string, data json.RawMessage, replyHandle string) error {
	if rt.remote() {
		del := cluster.Delivery{
			DeviceID:      rt.deviceID,
			Handle:        rt.handle,
			Event:         event,
			Data:          data,
			ReplyInstance: r.dir.Instance(),
			ReplyHandle:   replyHandle,
		}
		if replyHandle != "" {
			del.FailureMessage = staleMessage(t)
		}
		if err := r.dir.Forward(ctx, rt.instance, del); err != nil {
			return fmt.Errorf("%w: %v", errStaleHandle, err)
		}
		return nil
	}
	if !r.gateway.IsOpen(rt.handle) {
		return errStaleHandle
	}
	if err := r.gateway.Send(rt.handle, event, data); err != nil {
		return fmt.Errorf("%w: %v", errStaleHandle, err)
	}
	return nil
}

// bounce reports a failed remote delivery back to the original sender.
func (r *Router) bounce(ctx context.Context, del cluster.Delivery) {
	r.logger.Warn("remote delivery failed", zap.String("event", del.Event), zap.String("device_id", del.DeviceID))
	if del.ReplyHandle == "" || del.FailureMessage == "" {
		return
	}
	data, err := json.Marshal(protocol.Error{Message: del.FailureMessage})
	if err != nil {
		return
	}
	if r.dir == nil || del.ReplyInstance == "" || del.ReplyInstance == r.dir.Instance() {
		_ = r.gateway.Send(del.ReplyHandle, protocol.EventError, json.RawMessage(data))
		return
	}
	if err := r.dir.Forward(ctx, del.ReplyInstance, cluster.Delivery{Handle: del.ReplyHandle, Event: protocol.EventError, Data: data}); err != nil {
		r.logger.Debug("bounce not delivered", zap.Error(err))
	}
}

// authorize validates a session token presented by deviceID in the given role.
func (r *Router) authorize(token, deviceID string, role models.DeviceType) (*SessionClaims, string) {
	claims, err := r.tokens.Parse(token)
	if err != nil {
		return nil, msgUnknownSession
	}
	owner := claims.Tablet
	if role == models.DeviceTypePhone {
		owner = claims.Phone
	}
	if owner != deviceID {
		return claims, msgForeignSession
	}
	if s, ok := r.sessions[claims.SessionID()]; ok && s.State.Terminal() {
		return claims, msgInactiveSession
	}
	return claims, ""
}

// openSession returns the most recent non-terminal session matching fn.
func (r *Router) openSession(fn func(*session) bool) *session {
	var best *session
	for _, s := range r.sessions {
		if s.State.Terminal() || !fn(s) {
			continue
		}
		if best == nil || s.StartedAt.After(best.StartedAt) {
			best = s
		}
	}
	return best
}

func (r *Router) sessionForPayload(data json.RawMessage) *session {
	var p struct {
		DeviceID     string `json:"deviceId"`
		SessionToken string `json:"sessionToken"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	if p.SessionToken != "" {
		claims, err := r.tokens.Parse(p.SessionToken)
		if err != nil {
			return nil
		}
		if s, ok := r.sessions[claims.SessionID()]; ok && !s.State.Terminal() {
			return s
		}
		return nil
	}
	return r.openSession(func(s *session) bool { return s.PhoneID == p.DeviceID })
}

func (r *Router) fail(ctx context.Context, s *session, reason string, notifyTablet, notifyPhone bool) {
	r.transition(s, models.SessionStateError, reason)
	r.logger.Warn("recording session failed", zap.String("session_id", s.ID), zap.String("reason", reason))
	if notifyTablet {
		r.notify(ctx, models.DeviceTypeTablet, s.TabletID, s.TabletHandle, reason, s.ID)
	}
	if notifyPhone {
		r.notify(ctx, models.DeviceTypePhone, s.PhoneID, "", reason, s.ID)
	}
}

func (r *Router) notify(ctx context.Context, t models.DeviceType, deviceID, fallbackHandle, message, sessionID string) {
	data, err := json.Marshal(protocol.Error{Message: message, SessionID: sessionID})
	if err != nil {
		return
	}
	rt, err := r.resolve(ctx, t, deviceID)
	if err != nil {
		if fallbackHandle == "" || !r.gateway.IsOpen(fallbackHandle) {
			r.logger.Debug("session peer unreachable", zap.String("device_id", deviceID), zap.String("session_id", sessionID))
			return
		}
		rt = route{deviceID: deviceID, handle: fallbackHandle}
	}
	if err := r.send(ctx, rt, t, protocol.EventError, data, ""); err != nil {
		r.logger.Debug("session notification not delivered", zap.String("device_id", deviceID), zap.Error(err))
	}
}

func (r *Router) transition(s *session, state models.SessionState, reason string) {
	s.State = state
	s.Reason = reason
	s.UpdatedAt = r.now()
	if !state.Terminal() {
		return
	}
	stopTimer(s.timer)
	if s.prune == nil && !r.closed {
		id := s.ID
		wait := s.ExpiresAt.Sub(s.UpdatedAt)
		if wait < 0 {
			wait = 0
		}
		s.prune = time.AfterFunc(wait, func() { r.forget(id) })
	}
}

func (r *Router) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || r.closed || s.State != models.SessionStateAwaitingRecording {
		return
	}
	r.fail(ctx, s, msgSessionTimedOut, true, false)
}

func (r *Router) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.State.Terminal() {
		delete(r.sessions, id)
	}
}

func (r *Router) reply(handle, event string, payload interface{}) {
	if err := r.gateway.Send(handle, event, payload); err != nil {
		r.logger.Warn("reply not delivered", zap.String("handle", handle), zap.String("event", event), zap.Error(err))
	}
}

func (r *Router) replyError(handle, message, sessionID string) {
	r.reply(handle, protocol.EventError, protocol.Error{Message: message, SessionID: sessionID})
}

func routeFailure(err error, t models.DeviceType) string {
	if errors.Is(err, errStaleHandle) {
		return staleMessage(t)
	}
	if t == models.DeviceTypePhone {
		return msgNoPhone
	}
	return msgNoTablet
}

func staleMessage(t models.DeviceType) string {
	if t == models.DeviceTypePhone {
		return msgPhoneStale
	}
	return msgTabletStale
}

func sessionIDOf(c *SessionClaims) string {
	if c == nil {
		return ""
	}
	return c.SessionID()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
