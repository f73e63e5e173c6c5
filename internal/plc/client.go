package plc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/robinson/gos7"
)

const s7Port = 102

// ProtocolClient is the controller read primitive. Framing, session
// negotiation and transport live behind it.
type ProtocolClient interface {
	Connect(address string, rack, slot int) error
	ReadBlock(blockID, offset, length int) ([]byte, error)
	Disconnect() error
	IsConnected() bool
}

// S7Client talks ISO-on-TCP to a Siemens S7 controller through gos7.
type S7Client struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration

	handler *gos7.TCPClientHandler
	client  gos7.Client
}

func NewS7Client(connectTimeout, idleTimeout time.Duration) *S7Client {
	return &S7Client{
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
	}
}

func (c *S7Client) Connect(address string, rack, slot int) error {
	handler := gos7.NewTCPClientHandler(withDefaultPort(address), rack, slot)
	handler.Timeout = c.connectTimeout
	handler.IdleTimeout = c.idleTimeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("s7 connect %s rack=%d slot=%d: %w", address, rack, slot, err)
	}

	c.handler = handler
	c.client = gos7.NewClient(handler)
	return nil
}

func (c *S7Client) ReadBlock(blockID, offset, length int) ([]byte, error) {
	if c.client == nil {
		return nil, errors.New("s7 session is not open")
	}

	buf := make([]byte, length)
	if err := c.client.AGReadDB(blockID, offset, length, buf); err != nil {
		return nil, fmt.Errorf("read DB%d.%d+%d: %w", blockID, offset, length, err)
	}
	return buf, nil
}

func (c *S7Client) Disconnect() error {
	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	return err
}

func (c *S7Client) IsConnected() bool {
	return c.handler != nil
}

func withDefaultPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(s7Port))
}
