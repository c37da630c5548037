package modbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mokuloa/aquagate/internal/regmap"
)

// Defaults for the transport policy.
const (
	DefaultPort           = 502
	DefaultUnitID         = 1
	DefaultConnectTimeout = 2500 * time.Millisecond
	DefaultRequestTimeout = 1500 * time.Millisecond
	DefaultMaxRetries     = 2 // 3 attempts total
	DefaultIdleClose      = 60 * time.Second
)

// Options tunes one device's transport behavior. Zero values fall back to
// the package defaults.
type Options struct {
	Port           int
	UnitID         byte
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	IdleClose      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.UnitID == 0 {
		o.UnitID = DefaultUnitID
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.IdleClose == 0 {
		o.IdleClose = DefaultIdleClose
	}
	return o
}

// Pool keeps one persistent client per (ip, port, unitId). Safe for
// concurrent callers addressing different devices; requests to the same
// device serialize on the client's socket.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*client
	closed  bool
	logger  *slog.Logger
}

// NewPool creates an empty connection pool.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		clients: make(map[string]*client),
		logger:  logger,
	}
}

// getOrCreate returns the pooled client for a device, dialing a fresh
// connection when none exists or the previous one is closing.
func (p *Pool) getOrCreate(ip string, o Options) (*client, error) {
	key := fmt.Sprintf("%s:%d/%d", ip, o.Port, o.UnitID)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Op: "connect", Addr: key, Err: fmt.Errorf("pool closed")}
	}
	if c, ok := p.clients[key]; ok && !c.isClosing() {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := dial(fmt.Sprintf("%s:%d", ip, o.Port), o.UnitID, o.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.close()
		return nil, &Error{Op: "connect", Addr: key, Err: fmt.Errorf("pool closed")}
	}
	if existing, ok := p.clients[key]; ok && !existing.isClosing() {
		// Lost the race; keep the established one.
		p.mu.Unlock()
		c.close()
		return existing, nil
	}
	p.clients[key] = c
	p.mu.Unlock()

	p.scheduleIdleCheck(key, c, o.IdleClose)
	return c, nil
}

// scheduleIdleCheck closes the client after IdleClose of disuse, otherwise
// reschedules itself.
func (p *Pool) scheduleIdleCheck(key string, c *client, idle time.Duration) {
	time.AfterFunc(idle, func() {
		if c.isClosing() {
			p.evict(key, c)
			return
		}
		if time.Since(c.idleSince()) >= idle {
			p.logger.Debug("[Modbus] closing idle connection", "device", key)
			c.close()
			p.evict(key, c)
			return
		}
		p.scheduleIdleCheck(key, c, idle)
	})
}

func (p *Pool) evict(key string, c *client) {
	p.mu.Lock()
	if p.clients[key] == c {
		delete(p.clients, key)
	}
	p.mu.Unlock()
}

// ReadBlocksForDevice reads every declared block from a device, in declared
// order, each under the retry policy. The result maps block name to exactly
// len*2 bytes. The final failure of any block fails the whole read.
func (p *Pool) ReadBlocksForDevice(ip string, blocks []regmap.Block, o Options) (map[string][]byte, error) {
	o = o.withDefaults()
	out := make(map[string][]byte, len(blocks))
	for _, b := range blocks {
		if b.FN != FuncReadHolding {
			panic(fmt.Sprintf("modbus: block %q declares fn=%d; block reads are FC3 only", b.Name, b.FN))
		}
		buf, err := p.withRetry(ip, o, "fc3", func(c *client) ([]byte, error) {
			resp, err := c.request("fc3", buildReadHolding(b.Start, b.Len), o.RequestTimeout)
			if err != nil {
				return nil, err
			}
			return parseReadHolding(resp, b.Len)
		})
		if err != nil {
			return nil, err
		}
		out[b.Name] = buf
	}
	return out, nil
}

// WriteRegisters issues FC6 (single register) or FC16 (register run) to a
// device under the retry policy. Unknown function codes fail immediately.
func (p *Pool) WriteRegisters(ip string, fc int, start uint16, values []uint16, o Options) error {
	o = o.withDefaults()
	if len(values) == 0 {
		return &Error{Op: "write", Addr: ip, Err: fmt.Errorf("no values")}
	}

	var op string
	var pdu []byte
	switch fc {
	case FuncWriteSingle:
		if len(values) != 1 {
			return &Error{Op: "fc6", Addr: ip, Err: fmt.Errorf("FC6 takes exactly one value, got %d", len(values))}
		}
		op, pdu = "fc6", buildWriteSingle(start, values[0])
	case FuncWriteMultiple:
		op, pdu = "fc16", buildWriteMultiple(start, values)
	default:
		return &Error{Op: "write", Addr: ip, Err: fmt.Errorf("unsupported function code %d", fc)}
	}

	_, err := p.withRetry(ip, o, op, func(c *client) ([]byte, error) {
		resp, err := c.request(op, pdu, o.RequestTimeout)
		if err != nil {
			return nil, err
		}
		return nil, checkException(resp, byte(fc))
	})
	return err
}

// withRetry runs fn with a fresh-or-pooled client for up to MaxRetries+1
// attempts, backing off 150 + attempt*200 ms between attempts.
func (p *Pool) withRetry(ip string, o Options, op string, fn func(*client) ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= o.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(150+(attempt-1)*200) * time.Millisecond)
		}
		c, err := p.getOrCreate(ip, o)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := fn(c)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if c.isClosing() {
			p.evict(fmt.Sprintf("%s:%d/%d", ip, o.Port, o.UnitID), c)
		}
		p.logger.Debug("[Modbus] attempt failed", "device", ip, "op", op, "attempt", attempt+1, "error", err)
	}
	if _, ok := lastErr.(*Error); !ok {
		lastErr = &Error{Op: op, Addr: ip, Err: lastErr}
	}
	return nil, lastErr
}

// Close tears down every pooled connection. The pool refuses new work
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	clients := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = map[string]*client{}
	p.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
