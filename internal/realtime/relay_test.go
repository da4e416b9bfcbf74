package realtime_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-kiosk/backend/internal/models"
	"github.com/aura-kiosk/backend/internal/protocol"
	"github.com/aura-kiosk/backend/internal/realtime"
	"github.com/aura-kiosk/backend/internal/registry"
	"github.com/aura-kiosk/backend/internal/relay"
)

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (p *peer) emit(event, data string) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"`+event+`","data":`+data+`}`)))
}

func (p *peer) expect(event string) protocol.Envelope {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env protocol.Envelope
		require.NoError(p.t, p.conn.ReadJSON(&env))
		if env.Event == event {
			return env
		}
	}
}

func TestRelayOverWebSocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	reg := registry.New()
	hub := realtime.NewHub(logger)
	router := relay.NewRouter(reg, hub, relay.NewTokenService("secret", time.Hour), time.Minute, logger)
	t.Cleanup(router.Close)
	hub.SetDispatcher(router)

	r := gin.New()
	r.GET("/ws", realtime.ServeWs(hub, realtime.NewUpgrader(nil), logger))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	connect := func() *peer {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		return &peer{t: t, conn: conn}
	}
	phone, tablet := connect(), connect()

	phone.emit("register-device", `{"deviceType":"phone","deviceId":"p1"}`)
	assert.JSONEq(t, `{"success":true,"deviceId":"p1"}`, string(phone.expect(protocol.EventDeviceRegistered).Data))
	tablet.emit("register-device", `{"deviceType":"tablet","deviceId":"t1"}`)
	tablet.expect(protocol.EventDeviceRegistered)

	tablet.emit("start-record", `{"deviceId":"t1","timestamp":1000}`)
	assert.JSONEq(t, `{"deviceId":"t1","timestamp":1000}`, string(phone.expect(protocol.EventStartRecord).Data))
	tablet.expect(protocol.EventSessionStarted)

	ready := `{"videoUrl":"https://cdn/v.webm","filename":"v.webm","deviceId":"p1","timestamp":2000}`
	phone.emit("recording-ready", ready)
	assert.JSONEq(t, ready, string(tablet.expect(protocol.EventVideoUploaded).Data))

	_ = phone.conn.Close()
	require.Eventually(t, func() bool {
		_, ok := reg.FindByType(models.DeviceTypePhone)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	tablet.emit("start-record", `{"deviceId":"t1","timestamp":3000}`)
	assert.JSONEq(t, `{"message":"No phone device connected"}`, string(tablet.expect(protocol.EventError).Data))
}
