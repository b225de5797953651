package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/fleethub/internal/metrics"
	"github.com/HerbHall/fleethub/internal/protocol"
	"github.com/HerbHall/fleethub/internal/router"
	"github.com/HerbHall/fleethub/internal/transport"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// Streams implements plugin.StreamProvider.
func (m *Module) Streams() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/ws/device", Handler: m.handleDeviceSocket},
		{Method: "GET", Path: "/ws/esp32", Handler: m.handleDeviceSocket},
		{Method: "GET", Path: "/ws/dashboard", Handler: m.handleDashboardSocket},
	}
}

// handleDeviceSocket serves one device connection until it closes.
func (m *Module) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	ws, ok := m.accept(w, r, m.cfg.DeviceReadLimit)
	if !ok {
		return
	}
	remote := transport.ClientIP(r)
	conn := m.newConn(ws, metrics.RoleDevice, transport.Options{
		QueueSize:    m.cfg.DeviceQueueSize,
		WriteTimeout: m.cfg.WriteTimeout,
		Overflow:     transport.Disconnect,
	})
	defer m.untrack(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go m.keepalive(ctx, ws, conn)

	dc := router.NewDeviceConn(conn, remote)
	m.logger.Debug("device connected", zap.String("conn_id", conn.ID()), zap.String("remote_addr", remote))

	err := m.readLoop(ctx, ws, metrics.RoleDevice, func(f transport.Frame) {
		m.router.HandleDevice(ctx, dc, f)
	})
	m.logClosed(metrics.RoleDevice, conn.ID(), dc.DeviceID(), err)

	m.router.DeviceClosed(context.WithoutCancel(ctx), dc)
	conn.Abort("read loop ended")
}

// handleDashboardSocket serves one dashboard connection until it closes.
func (m *Module) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	ws, ok := m.accept(w, r, m.cfg.DashboardReadLimit)
	if !ok {
		return
	}
	conn := m.newConn(ws, metrics.RoleDashboard, transport.Options{
		QueueSize:    m.cfg.DashboardQueueSize,
		WriteTimeout: m.cfg.WriteTimeout,
		Overflow:     transport.DropOldest,
		OnDrop:       func() { m.metrics.FrameDropped(metrics.RoleDashboard) },
	})
	defer m.untrack(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go m.keepalive(ctx, ws, conn)

	// Attach before taking the snapshot so no change falls between the
	// two; an event may precede the list but never goes missing.
	m.dashboard.Add(conn)
	defer m.dashboard.Remove(conn)

	snapshot, err := transport.JSON(protocol.NewDevicesList(m.registry.List()))
	if err == nil {
		err = conn.Enqueue(snapshot)
	}
	if err != nil {
		m.logger.Warn("devices_list push failed", zap.String("conn_id", conn.ID()), zap.Error(err))
	}

	err = m.readLoop(ctx, ws, metrics.RoleDashboard, func(f transport.Frame) {
		m.router.HandleDashboard(ctx, conn, f)
	})
	m.logClosed(metrics.RoleDashboard, conn.ID(), "", err)
	conn.Abort("read loop ended")
}

// accept upgrades the request unless the hub is shutting down.
func (m *Module) accept(w http.ResponseWriter, r *http.Request, readLimit int64) (*websocket.Conn, bool) {
	if m.closing.Load() {
		hubWriteError(w, r, http.StatusServiceUnavailable, "server shutting down")
		return nil, false
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: m.cfg.AllowedOrigins,
	})
	if err != nil {
		m.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", transport.ClientIP(r)),
			zap.Error(err),
		)
		return nil, false
	}
	ws.SetReadLimit(readLimit)
	return ws, true
}

func (m *Module) newConn(ws *websocket.Conn, role string, opts transport.Options) *transport.Conn {
	conn := transport.NewConn(uuid.NewString(), ws, opts, m.logger.With(zap.String("role", role)))
	m.track(conn)
	m.metrics.ConnectionOpened(role)

	// A Stop that began before track saw this connection close it here.
	if m.closing.Load() {
		conn.Shutdown()
	}
	return conn
}

// readLoop feeds every inbound frame to handle until the socket fails.
// Frames are handled in arrival order on the calling goroutine.
func (m *Module) readLoop(ctx context.Context, ws *websocket.Conn, role string, handle func(transport.Frame)) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		f := transport.Text(data)
		kind := "text"
		if typ == websocket.MessageBinary {
			f = transport.Binary(data)
			kind = "binary"
		}
		m.metrics.MessageReceived(role, kind)
		handle(f)
	}
}

// keepalive pings the peer on an interval and aborts the connection when
// a ping goes unanswered.
func (m *Module) keepalive(ctx context.Context, ws *websocket.Conn, conn *transport.Conn) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Info("ping failed", zap.String("conn_id", conn.ID()), zap.Error(err))
				}
				conn.Abort("ping timeout")
				return
			}
		}
	}
}

func (m *Module) logClosed(role, connID, deviceID string, err error) {
	fields := []zap.Field{
		zap.String("role", role),
		zap.String("conn_id", connID),
	}
	if deviceID != "" {
		fields = append(fields, zap.String("device_id", deviceID))
	}

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		m.logger.Debug("connection closed", fields...)
	case errors.Is(err, context.Canceled):
		m.logger.Debug("connection canceled", fields...)
	default:
		m.logger.Info("connection lost", append(fields, zap.Error(err))...)
	}
}

