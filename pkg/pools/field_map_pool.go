package pools

import (
	"sync"
)

// FieldMapPool recycles map[string]any scratch maps. The structured logger
// assembles every log line's field map in one of these, marshals it, and
// hands it straight back, so steady-state logging allocates no maps at all.
type FieldMapPool struct {
	pool sync.Pool
}

// NewFieldMapPool creates a new field map pool.
func NewFieldMapPool() *FieldMapPool {
	return &FieldMapPool{
		pool: sync.Pool{
			New: func() any {
				return make(map[string]any, 8)
			},
		},
	}
}

// Get returns a cleared map from the pool.
func (p *FieldMapPool) Get() map[string]any {
	m, ok := p.pool.Get().(map[string]any)
	if !ok {
		return make(map[string]any, 8)
	}
	clear(m)
	return m
}

// Put returns a map to the pool. Maps that grew unusually large are
// dropped so one field-heavy log line can't pin a big map forever.
func (p *FieldMapPool) Put(m map[string]any) {
	if m == nil || len(m) > 64 {
		return
	}
	p.pool.Put(m)
}

var defaultFieldMapPool = NewFieldMapPool()

// GetFieldMap borrows from the package-level default pool.
func GetFieldMap() map[string]any {
	return defaultFieldMapPool.Get()
}

// PutFieldMap returns a map to the default pool.
func PutFieldMap(m map[string]any) {
	defaultFieldMapPool.Put(m)
}
