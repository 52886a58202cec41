package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/diwise/iot-lock-mgmt/pkg/types"
)

//go:generate moq -rm -out sender_mock.go . Sender

// Sender is the outbound half of a live push connection.
type Sender interface {
	SendCommand(ctx context.Context, msg types.CommandMessage) error
	Close() error
}

// Connection is the record kept for each device with an open push channel.
type Connection struct {
	HardwareID  string
	ConnectedAt time.Time

	sender Sender
	// held while a command is claimed and transmitted on this connection
	delivering sync.Mutex
}

// Connections is the table of live push connections, at most one per device.
type Connections struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

func NewConnections() *Connections {
	return &Connections{
		conns: map[string]*Connection{},
	}
}

// Register makes s the authoritative connection for hardwareID. A previous connection
// for the same device is superseded and closed.
func (c *Connections) Register(hardwareID string, s Sender, at time.Time) bool {
	c.mu.Lock()
	previous, exists := c.conns[hardwareID]
	if exists && previous.sender == s {
		c.mu.Unlock()
		return false
	}

	c.conns[hardwareID] = &Connection{
		HardwareID:  hardwareID,
		ConnectedAt: at,
		sender:      s,
	}
	c.mu.Unlock()

	if exists {
		previous.sender.Close()
	}

	return exists
}

// Deregister removes the connection for hardwareID, but only if s is still the
// authoritative one. The returned bool reports if anything was removed.
func (c *Connections) Deregister(hardwareID string, s Sender) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.conns[hardwareID]
	if !ok || current.sender != s {
		return false
	}

	delete(c.conns, hardwareID)
	return true
}

func (c *Connections) Get(hardwareID string) (*Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[hardwareID]
	return conn, ok
}

func (c *Connections) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.conns)
}
