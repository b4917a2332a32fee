package vulkan

import "sync"

type LockGroup string

const (
	DescriptorManagement  LockGroup = "descriptor_management"
	CommandPoolManagement LockGroup = "command_pool_management"
	PipelineManagement    LockGroup = "pipeline_management"
	SwapchainManagement   LockGroup = "swapchain_management"
)

// LockPool hands out one mutex per lock group and one per queue. Vulkan
// requires external synchronization for pools and queues.
type LockPool struct {
	mu     sync.Mutex
	locks  map[LockGroup]*sync.Mutex
	queues map[uint64]*sync.Mutex
}

func NewLockPool() *LockPool {
	return &LockPool{
		locks:  make(map[LockGroup]*sync.Mutex),
		queues: make(map[uint64]*sync.Mutex),
	}
}

func (lp *LockPool) group(g LockGroup) *sync.Mutex {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	l, ok := lp.locks[g]
	if !ok {
		l = &sync.Mutex{}
		lp.locks[g] = l
	}
	return l
}

func (lp *LockPool) queue(q uint64) *sync.Mutex {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	l, ok := lp.queues[q]
	if !ok {
		l = &sync.Mutex{}
		lp.queues[q] = l
	}
	return l
}

func (lp *LockPool) SafeCall(g LockGroup, fn func() error) error {
	l := lp.group(g)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (lp *LockPool) SafeQueueCall(q uint64, fn func() error) error {
	l := lp.queue(q)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// table maps the opaque gpu handles to backend objects. Handles start at 1
// so the zero handle stays null.
type table[T any] struct {
	mu   sync.RWMutex
	next uint64
	objs map[uint64]T
}

func newTable[T any]() *table[T] {
	return &table[T]{objs: make(map[uint64]T)}
}

func (t *table[T]) add(v T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.objs[t.next] = v
	return t.next
}

func (t *table[T]) get(h uint64) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.objs[h]
	return v, ok
}

func (t *table[T]) remove(h uint64) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.objs[h]
	delete(t.objs, h)
	return v, ok
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objs)
}

func (t *table[T]) keys() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint64, 0, len(t.objs))
	for h := range t.objs {
		out = append(out, h)
	}
	return out
}
