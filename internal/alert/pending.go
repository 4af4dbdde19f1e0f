package alert

import "sync"

// KeyedMutex serializes work per key. Entries are dropped once unused.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// PendingIndex remembers the evaluation tasks created per anomaly in this
// process. The persisted pending escalations stay authoritative.
type PendingIndex struct {
	mu    sync.RWMutex
	tasks map[string]map[string]struct{}
}

func NewPendingIndex() *PendingIndex {
	return &PendingIndex{tasks: make(map[string]map[string]struct{})}
}

func (p *PendingIndex) Add(eventID, taskID string) {
	if taskID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.tasks[eventID]
	if !ok {
		set = make(map[string]struct{})
		p.tasks[eventID] = set
	}
	set[taskID] = struct{}{}
}

func (p *PendingIndex) Remove(eventID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.tasks[eventID]
	if !ok {
		return
	}
	delete(set, taskID)
	if len(set) == 0 {
		delete(p.tasks, eventID)
	}
}

// Tasks returns the task ids recorded for eventID
func (p *PendingIndex) Tasks(eventID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.tasks[eventID]))
	for id := range p.tasks[eventID] {
		ids = append(ids, id)
	}
	return ids
}

func (p *PendingIndex) Clear(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tasks, eventID)
}

// Len returns the number of anomalies with recorded tasks
func (p *PendingIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tasks)
}
