package observer

import (
	"sort"
	"sync"

	"github.com/xswitch/xswitch/internal/common"
)

// Source delivers passively observed requests. It can only report them,
// never alter or block them.
type Source interface {
	Subscribe(fn func(common.Request)) (cancel func())
}

// Bus is an in-process Source. Publish calls every subscriber in
// subscription order on the caller's goroutine.
type Bus struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(common.Request)
}

func NewBus() *Bus {
	return &Bus{fns: make(map[int]func(common.Request))}
}

func (b *Bus) Subscribe(fn func(common.Request)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.fns, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(req common.Request) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.fns))
	for id := range b.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(common.Request), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.fns[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(req)
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.fns)
}
