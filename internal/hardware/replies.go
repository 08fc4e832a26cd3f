package hardware

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/sorter/internal/monitoring"
)

// ReplyMux reads reply frames from the controller and fans them out to
// subscribers. Sends are non-blocking: a subscriber that is not keeping up
// misses replies rather than stalling the reader.
type ReplyMux struct {
	r io.Reader

	mu          sync.Mutex
	subscribers map[string]chan Reply
	closing     bool
}

func NewReplyMux(r io.Reader) *ReplyMux {
	return &ReplyMux{r: r, subscribers: make(map[string]chan Reply)}
}

// Subscribe returns a channel receiving every decoded reply. The id is used
// to Unsubscribe.
func (m *ReplyMux) Subscribe() (string, <-chan Reply) {
	id := uuid.NewString()
	ch := make(chan Reply, 4)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		close(ch)
		return id, ch
	}
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *ReplyMux) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Monitor reads frames until ctx is done or the reader fails.
func (m *ReplyMux) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.r)
	scan.Split(scanFrames)

	frames := make(chan []byte)
	scanErr := make(chan error, 1)

	// the blocking Scan runs apart from the select below so cancellation is
	// observed even while the port is silent.
	go func() {
		defer close(frames)
		for scan.Scan() {
			frame := append([]byte(nil), scan.Bytes()...)
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case frame, ok := <-frames:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			reply, err := DecodeReply(frame)
			if err != nil {
				monitoring.Diagf("[hardware] dropping reply: %v", err)
				continue
			}
			monitoring.Tracef("[hardware] reply %s position=%d", reply.ID, reply.Position)
			m.publish(reply)
		}
	}
}

func (m *ReplyMux) publish(r Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return
	}
	for _, ch := range m.subscribers {
		select {
		case ch <- r:
		default:
		}
	}
}

// Close closes every subscriber channel. It does not close the reader.
func (m *ReplyMux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}
