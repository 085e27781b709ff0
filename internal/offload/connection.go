package offload

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-keyoffload/internal/offload/driver"
)

type connState int

const (
	connBound connState = iota
	connClosing
	connReleased
)

type opResult int

const (
	resultAbsent opResult = iota
	resultSuccess
	resultFailure
)

// PendingOperation is the single in-flight private-key operation of a
// Connection.
type PendingOperation struct {
	Kind      driver.OpKind
	Algorithm driver.Algorithm
	Input     []byte
	MaxOutput int

	submitted time.Time
	result    opResult
	status    driver.Status
	output    []byte
}

// Connection binds one TLS session to one Handle for the session's
// lifetime and carries the session's private key.
type Connection struct {
	id      uuid.UUID
	section *Section
	handle  *Handle
	key     []byte

	mu           sync.Mutex
	state        connState
	pending      *PendingOperation
	releaseTimer *time.Timer
	notify       chan struct{}
}

// Bind selects a handle from section and registers a new connection on it.
// It fails with NoHardwareAvailable when every handle is draining.
func Bind(section *Section, key []byte) (*Connection, error) {
	m := section.manager
	for attempt := 0; attempt <= len(section.handles); attempt++ {
		h, err := section.SelectHandle()
		if err != nil {
			m.metrics.RecordBindFailure(context.Background(), section.name)
			return nil, err
		}
		// The handle may start draining between selection and registration.
		if !h.AddUser() {
			continue
		}

		c := &Connection{
			id:      uuid.New(),
			section: section,
			handle:  h,
			key:     append([]byte(nil), key...),
			notify:  make(chan struct{}, 1),
		}
		m.metrics.RecordBind(context.Background(), section.name)
		m.events.LogConnectionBound(context.Background(), c.id.String(), section.name, h.index)
		return c, nil
	}
	m.metrics.RecordBindFailure(context.Background(), section.name)
	return nil, NewNoHardwareError(section.name, len(section.handles))
}

// ID identifies the connection in logs.
func (c *Connection) ID() string { return c.id.String() }

// Handle returns the handle the connection is bound to.
func (c *Connection) Handle() *Handle { return c.handle }

// PrivateKey returns the key material. Callers must not modify it.
func (c *Connection) PrivateKey() []byte { return c.key }

// Done delivers a notification each time an outstanding operation resolves.
func (c *Connection) Done() <-chan struct{} { return c.notify }

// Unbind releases the connection's registration on its handle. If an
// operation is still outstanding the release is deferred until it resolves
// or the section's completion timeout passes. A second Unbind panics with
// *LogicError.
func (c *Connection) Unbind() {
	c.mu.Lock()
	if c.state != connBound {
		c.mu.Unlock()
		logicPanic("connection %s unbound twice", c.id)
	}
	if c.pending != nil && c.pending.result == resultAbsent {
		c.state = connClosing
		c.releaseTimer = time.AfterFunc(c.section.completionTimeout, c.forceRelease)
		c.mu.Unlock()
		return
	}
	c.state = connReleased
	c.pending = nil
	c.mu.Unlock()

	c.release(false)
}

func (c *Connection) release(deferred bool) {
	c.handle.RemoveUser()
	m := c.section.manager
	m.metrics.RecordRelease(context.Background(), c.section.name)
	m.events.LogConnectionReleased(context.Background(), c.id.String(), c.handle.index, deferred)
}

func (c *Connection) forceRelease() {
	c.mu.Lock()
	if c.state != connClosing {
		c.mu.Unlock()
		return
	}
	c.state = connReleased
	c.pending = nil
	c.mu.Unlock()

	c.release(true)
}

// open installs op as the connection's outstanding operation.
func (c *Connection) open(op *PendingOperation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != connBound {
		return NewOperationFailure(op.Kind.String(), "connection is unbound", nil).
			WithContext("connection", c.id.String())
	}
	if c.pending != nil {
		return NewOperationInProgressError(c.id.String())
	}
	op.submitted = time.Now()
	c.pending = op
	return nil
}

// discard removes op after a synchronous submission failure.
func (c *Connection) discard(op *PendingOperation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == op {
		c.pending = nil
	}
}

// completion returns the driver callback that fills op's slot.
func (c *Connection) completion(op *PendingOperation) driver.CompletionFunc {
	return func(status driver.Status, output []byte) {
		c.mu.Lock()
		if c.pending != op || op.result != resultAbsent {
			c.mu.Unlock()
			return
		}
		op.status = status
		if status == driver.StatusSuccess {
			op.result = resultSuccess
			op.output = output
		} else {
			op.result = resultFailure
		}

		closing := c.state == connClosing
		if closing {
			c.state = connReleased
			c.pending = nil
			if c.releaseTimer != nil {
				c.releaseTimer.Stop()
			}
		}
		c.mu.Unlock()

		select {
		case c.notify <- struct{}{}:
		default:
		}
		if closing {
			c.release(true)
		}
	}
}

// collect takes the outstanding operation's result if one is available.
// An operation older than timeout is given up on and reported as failed.
func (c *Connection) collect(timeout time.Duration) (*PendingOperation, opResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := c.pending
	if op == nil {
		return nil, resultAbsent, false
	}
	switch op.result {
	case resultAbsent:
		if timeout > 0 && time.Since(op.submitted) > timeout {
			c.pending = nil
			return op, resultFailure, true
		}
		return op, resultAbsent, false
	default:
		c.pending = nil
		return op, op.result, false
	}
}
