package modbus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Error is the single "transport failure" kind surfaced by this package.
// Op names the operation (connect, fc3, fc6, fc16), Addr the device.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("modbus %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// client is one pooled TCP connection to a device. Requests on a client are
// serialized: Modbus TCP is strictly request/response per connection.
type client struct {
	addr   string
	unitID byte

	mu       sync.Mutex
	conn     net.Conn
	txnID    uint16
	lastUsed time.Time
	closing  bool
}

func dial(addr string, unitID byte, connectTimeout time.Duration) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, &Error{Op: "connect", Addr: addr, Err: err}
	}
	return &client{
		addr:     addr,
		unitID:   unitID,
		conn:     conn,
		lastUsed: time.Now(),
	}, nil
}

// request performs one framed round trip. Any socket-level failure closes
// the connection and marks the client closing so the pool reopens next time.
func (c *client) request(op string, pdu []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing || c.conn == nil {
		return nil, &Error{Op: op, Addr: c.addr, Err: fmt.Errorf("connection closed")}
	}

	c.txnID++
	txn := c.txnID
	deadline := time.Now().Add(timeout)

	if err := c.conn.SetDeadline(deadline); err != nil {
		c.poisonLocked()
		return nil, &Error{Op: op, Addr: c.addr, Err: err}
	}
	if _, err := c.conn.Write(buildMBAP(txn, c.unitID, pdu)); err != nil {
		c.poisonLocked()
		return nil, &Error{Op: op, Addr: c.addr, Err: err}
	}

	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		c.poisonLocked()
		return nil, &Error{Op: op, Addr: c.addr, Err: err}
	}
	gotTxn := binary.BigEndian.Uint16(header[0:2])
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > maxPDULen+1 {
		c.poisonLocked()
		return nil, &Error{Op: op, Addr: c.addr, Err: fmt.Errorf("bad MBAP length %d", length)}
	}

	resp := make([]byte, length-1) // length counts the unit id byte
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		c.poisonLocked()
		return nil, &Error{Op: op, Addr: c.addr, Err: err}
	}
	if gotTxn != txn {
		// Stale response from a timed-out predecessor; the stream is no
		// longer in sync, so poison rather than resynchronize.
		c.poisonLocked()
		return nil, &Error{Op: op, Addr: c.addr, Err: fmt.Errorf("transaction id mismatch: got %d want %d", gotTxn, txn)}
	}

	c.lastUsed = time.Now()
	return resp, nil
}

// poisonLocked closes the socket and marks the client unusable. Callers
// must hold c.mu.
func (c *client) poisonLocked() {
	c.closing = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisonLocked()
}

func (c *client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}
