package hardware

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/sorter/internal/monitoring"
	"github.com/banshee-data/sorter/internal/timeutil"
)

var (
	// ErrChannelClosed is returned by Enqueue after Close.
	ErrChannelClosed = errors.New("command channel closed")
	// ErrWriteFailed reports a short write to the serial port.
	ErrWriteFailed = errors.New("failed to write to serial port")
)

// Commander accepts commands for the controller. *Channel implements it;
// device helpers depend only on this.
type Commander interface {
	Enqueue(cmd Command) error
}

// ChannelConfig controls pacing of the command channel.
type ChannelConfig struct {
	// MinInterval is the enforced gap between two transmitted commands.
	MinInterval time.Duration
	// WarnDepth is the queue depth above which a backpressure warning is
	// logged. Commands are still accepted.
	WarnDepth int
	Clock     timeutil.Clock
}

// Channel is a single-consumer FIFO in front of the serial link. One worker
// goroutine transmits queued commands in order with a minimum delay between
// them.
type Channel struct {
	w     io.Writer
	cfg   ChannelConfig
	clock timeutil.Clock

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Command
	inflight bool
	closed   bool
	warned   bool
	idle     []chan struct{}
	lastSent time.Time
	sent     uint64
	failed   uint64

	done chan struct{}
}

// NewChannel starts a command channel writing to w.
func NewChannel(w io.Writer, cfg ChannelConfig) *Channel {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.WarnDepth <= 0 {
		cfg.WarnDepth = 32
	}
	c := &Channel{
		w:     w,
		cfg:   cfg,
		clock: cfg.Clock,
		done:  make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.worker()
	return c
}

// Enqueue appends cmd to the queue. It never blocks on the serial link.
func (c *Channel) Enqueue(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.queue = append(c.queue, cmd)
	depth := len(c.queue)
	if depth > c.cfg.WarnDepth && !c.warned {
		c.warned = true
		monitoring.Logf("[hardware] command queue depth %d exceeds %d; controller is falling behind", depth, c.cfg.WarnDepth)
	}
	c.cond.Signal()
	return nil
}

// QueueDepth returns the number of commands waiting to be sent.
func (c *Channel) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Stats returns the number of commands written and the number whose write
// failed.
func (c *Channel) Stats() (sent, failed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent, c.failed
}

// Flush blocks until every command queued so far has been transmitted or ctx
// is done.
func (c *Channel) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.queue) == 0 && !c.inflight {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.idle = append(c.idle, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting commands, transmits whatever is still queued and
// stops the worker. It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
	return nil
}

func (c *Channel) worker() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.releaseIdleLocked()
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.releaseIdleLocked()
			c.mu.Unlock()
			return
		}
		cmd := c.queue[0]
		c.queue[0] = Command{}
		c.queue = c.queue[1:]
		if len(c.queue) <= c.cfg.WarnDepth {
			c.warned = false
		}
		c.inflight = true
		last := c.lastSent
		c.mu.Unlock()

		if !last.IsZero() {
			if wait := c.cfg.MinInterval - c.clock.Since(last); wait > 0 {
				c.clock.Sleep(wait)
			}
		}
		err := c.transmit(cmd)

		c.mu.Lock()
		c.inflight = false
		c.lastSent = c.clock.Now()
		if err != nil {
			c.failed++
		} else {
			c.sent++
		}
		c.mu.Unlock()
	}
}

func (c *Channel) transmit(cmd Command) error {
	frame := cmd.Encode()
	n, err := c.w.Write(frame)
	if err == nil && n != len(frame) {
		err = ErrWriteFailed
	}
	if err != nil {
		monitoring.Logf("[hardware] write %s failed: %v", cmd.ID, err)
		return err
	}
	monitoring.Tracef("[hardware] sent %s", cmd)
	return nil
}

func (c *Channel) releaseIdleLocked() {
	for _, ch := range c.idle {
		close(ch)
	}
	c.idle = nil
}
