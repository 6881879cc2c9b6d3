package storage

import (
	"context"
	"sync"

	"github.com/rocketshoes/cartservice/pkg/model"
)

// Memory keeps encoded snapshots in a map. Slots created from the same
// Memory share it, like keys in one browser's local storage.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Factory() Factory {
	return func(key string) Slot { return &memorySlot{m: m, key: key} }
}

// Raw returns the stored bytes for key, nil when absent.
func (m *Memory) Raw(key string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key]
}

type memorySlot struct {
	m   *Memory
	key string
}

func (s *memorySlot) Load(ctx context.Context) (model.Cart, error) {
	return decode(s.m.Raw(s.key))
}

func (s *memorySlot) Save(ctx context.Context, c model.Cart) error {
	data, err := encode(c)
	if err != nil {
		return err
	}
	s.m.mu.Lock()
	s.m.data[s.key] = data
	s.m.mu.Unlock()
	return nil
}

func (s *memorySlot) Clear(ctx context.Context) error {
	s.m.mu.Lock()
	delete(s.m.data, s.key)
	s.m.mu.Unlock()
	return nil
}
