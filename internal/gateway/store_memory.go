package gateway

import (
	"context"
	"sort"
	"sync"
)

// memoryItem is a node of the insertion-ordered list: head is the oldest
// insertion, tail the newest. Reads never reorder.
type memoryItem struct {
	key  string
	ent  Response
	seq  uint64
	size int64
	prev *memoryItem
	next *memoryItem
}

type memoryStore struct {
	name string
	seq  *uint64
	smu  *sync.Mutex

	mu    sync.Mutex
	items map[string]*memoryItem
	head  *memoryItem
	tail  *memoryItem
}

func (c *memoryStore) Name() string { return c.name }

func (c *memoryStore) Match(_ context.Context, key string) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Response{}, ErrStoreMiss
	}
	return it.ent, nil
}

func (c *memoryStore) Put(_ context.Context, key string, ent Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.smu.Lock()
	*c.seq++
	seq := *c.seq
	c.smu.Unlock()

	if it, ok := c.items[key]; ok {
		c.remove(it)
		delete(c.items, key)
	}
	it := &memoryItem{key: key, ent: ent, seq: seq, size: int64(len(ent.Body))}
	c.items[key] = it
	c.addToBack(it)
	return nil
}

func (c *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return false, nil
	}
	c.remove(it)
	delete(c.items, key)
	return true, nil
}

func (c *memoryStore) Entries(_ context.Context) ([]EntryMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EntryMeta, 0, len(c.items))
	for it := c.head; it != nil; it = it.next {
		out = append(out, EntryMeta{Key: it.key, Seq: it.seq, StoredAt: it.ent.StoredAt, Size: it.size})
	}
	return out, nil
}

func (c *memoryStore) Len(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), nil
}

func (c *memoryStore) addToBack(it *memoryItem) {
	it.next = nil
	it.prev = c.tail
	if c.tail != nil {
		c.tail.next = it
	}
	c.tail = it
	if c.head == nil {
		c.head = it
	}
}

func (c *memoryStore) remove(it *memoryItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

// MemoryStorage keeps every store in process memory. Nothing survives a
// restart.
type MemoryStorage struct {
	mu     sync.Mutex
	seq    uint64
	seqMu  sync.Mutex
	stores map[string]*memoryStore
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: map[string]*memoryStore{}}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memoryStore{name: name, seq: &m.seq, smu: &m.seqMu, items: map[string]*memoryItem{}}
	m.stores[name] = s
	return s, nil
}

func (m *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)
	s.mu.Lock()
	s.items = map[string]*memoryItem{}
	s.head, s.tail = nil, nil
	s.mu.Unlock()
	return true, nil
}

func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.stores))
	for k := range m.stores {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStorage) Close() error { return nil }
