package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/dispatch"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/gateway"
	"github.com/diwise/iot-lock-mgmt/pkg/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sendBufferSize       = 64
	maxMessageSize int64 = 64 * 1024
	writeWait            = 10 * time.Second
)

var ErrConnectionClosed = errors.New("push connection is closed")
var ErrSendBufferFull = errors.New("push connection send buffer is full")
var ErrIdentityMismatch = fmt.Errorf("connection is registered to another hardware id: %w", types.ErrValidation)
var ErrNotRegistered = fmt.Errorf("connection must register before sending %w", types.ErrValidation)
var ErrUnknownMessageType = fmt.Errorf("unknown message type: %w", types.ErrValidation)

type Config struct {
	PingInterval time.Duration
	PongWait     time.Duration
	// AllowOrigin decides on upgrade requests that carry an Origin header. Nil allows all.
	AllowOrigin func(origin string) bool
}

// Server accepts push connections from devices and feeds their messages to the gateway.
type Server struct {
	gateway     gateway.Gateway
	connections *dispatch.Connections
	upgrader    websocket.Upgrader
	cfg         Config
}

func NewServer(gw gateway.Gateway, connections *dispatch.Connections, cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}

	return &Server{
		gateway:     gw,
		connections: connections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// devices do not send an Origin header
				origin := r.Header.Get("Origin")
				return origin == "" || cfg.AllowOrigin == nil || cfg.AllowOrigin(origin)
			},
		},
		cfg: cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.GetFromContext(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		log:    log.With().Str("remote_addr", r.RemoteAddr).Logger(),
	}

	go c.writePump()

	// the request context stays valid for as long as the handler runs
	c.readPump(ctx)
}

// client is one device connection. It implements dispatch.Sender.
type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool

	// only touched by the read goroutine
	hardwareID string
}

func (c *client) SendCommand(ctx context.Context, msg types.CommandMessage) error {
	return c.write(commandMessage(msg))
}

// Close stops the writer, which closes the socket and in turn ends the reader.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}

	return nil
}

func (c *client) write(msg Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- b:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *client) reply(msg Outbound) {
	if err := c.write(msg); err != nil {
		c.log.Debug().Err(err).Str("type", msg.Type).Msg("could not reply to device")
	}
}

func (c *client) readPump(ctx context.Context) {
	defer c.disconnect(ctx)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongWait))

		msg := Inbound{}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(errorMessage(fmt.Errorf("malformed message: %w", types.ErrValidation)))
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			c.log.Debug().Err(err).Str("type", msg.Type).Msg("failed to handle message")
			c.reply(errorMessage(err))
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect releases the connection. The device is only marked offline if this
// connection was still the one registered for it.
func (c *client) disconnect(ctx context.Context) {
	c.Close()
	c.conn.Close()

	if c.hardwareID == "" {
		return
	}

	if !c.server.connections.Deregister(c.hardwareID, c) {
		c.log.Debug().Msg("superseded connection closed")
		return
	}

	at := time.Now().UTC()
	hardwareID := c.hardwareID
	log := c.log

	go func() {
		ctx := logging.NewContextWithLogger(context.Background(), log)
		if err := c.server.gateway.Disconnect(ctx, hardwareID, at); err != nil {
			log.Error().Err(err).Msg("failed to mark device offline")
		}
	}()

	c.log.Info().Msg("push connection closed")
}

func (c *client) handle(ctx context.Context, msg Inbound) error {
	if msg.Type == TypeAck {
		if c.hardwareID == "" {
			return ErrNotRegistered
		}
	} else if err := c.bind(msg); err != nil {
		return err
	}

	ctx = logging.NewContextWithLogger(ctx, c.log)

	switch msg.Type {
	case TypeRegister:
		device, err := c.server.gateway.Register(ctx, c.hardwareID)
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: TypeRegistered, HardwareID: device.HardwareID, Name: device.Name})
		c.server.gateway.PushPending(ctx, c.hardwareID)
		return nil

	case TypeHeartbeat:
		result, err := c.server.gateway.Heartbeat(ctx, gateway.Heartbeat{HardwareID: c.hardwareID, Channel: gateway.ChannelPush})
		if err != nil {
			return err
		}

		forceSync := result.Sync != nil
		ack := Outbound{Type: TypeHeartbeatAck, ForceSync: &forceSync}
		if result.Sync != nil {
			ack.Action = result.Sync.Command
			ack.CommandID = result.Sync.CommandID
			ack.Payload = result.Sync.Payload
			ack.Timestamp = result.Sync.Timestamp
			ack.Signature = result.Sync.Signature
		}
		c.reply(ack)
		return nil

	case TypeStatus:
		result, err := c.server.gateway.ReportStatus(ctx, c.hardwareID, gateway.StatusReport{IsLocked: msg.IsLocked, BatteryLevel: msg.BatteryLevel})
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: TypeStatusAck, StateChanged: &result.StateChanged})
		return nil

	case TypeAck:
		cmd, err := c.server.gateway.ConfirmCommandFrom(ctx, c.hardwareID, msg.CommandID, msg.Status, msg.Response)
		if err != nil {
			return err
		}
		c.reply(Outbound{Type: TypeAckOk, CommandID: cmd.ID})
		return nil

	case TypeLog:
		return c.server.gateway.AppendDeviceLog(ctx, gateway.DeviceLogEvent{
			HardwareID:   c.hardwareID,
			Type:         msg.LogType,
			Level:        msg.Level,
			Message:      msg.Message,
			StateChanged: msg.StateChanged,
			CurrentState: msg.CurrentState,
		})

	default:
		return fmt.Errorf("%w %q", ErrUnknownMessageType, msg.Type)
	}
}

// bind ties the connection to the hardware id of the first message that carries one
// and makes it the authoritative push connection for that device.
func (c *client) bind(msg Inbound) error {
	if c.hardwareID != "" {
		if msg.HardwareID != "" && msg.HardwareID != c.hardwareID {
			return ErrIdentityMismatch
		}
		return nil
	}

	if msg.HardwareID == "" {
		return ErrNotRegistered
	}

	if err := devicemanagement.ValidateHardwareID(msg.HardwareID); err != nil {
		return err
	}

	c.hardwareID = msg.HardwareID
	c.log = c.log.With().Str("hardware_id", msg.HardwareID).Logger()

	if c.server.connections.Register(msg.HardwareID, c, time.Now().UTC()) {
		c.log.Info().Msg("superseded previous push connection")
	}

	c.log.Info().Msg("push connection registered")

	return nil
}
