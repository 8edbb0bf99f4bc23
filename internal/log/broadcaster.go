package log

import (
	"io"
	"sync"
)

// Broadcaster copies every log line to all subscribers. A subscriber that
// falls behind misses lines instead of stalling the logger.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	buffer      int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan []byte]struct{}),
		buffer:      256,
	}
}

func (b *Broadcaster) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return len(p), nil
}

// Subscribe returns a channel receiving every subsequent line. Release it
// with Unsubscribe.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var _ io.Writer = (*Broadcaster)(nil)
