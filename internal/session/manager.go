package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/hostkeys"
)

// Manager is the registry of open sessions, one per tab. It drains each
// worker's event stream and fans it out to subscribers.
type Manager struct {
	logger   pslog.Logger
	hostKeys hostkeys.Store
	opts     []WorkerOption

	mu      sync.RWMutex
	entries map[string]*managed
	order   []string
}

type managed struct {
	worker  *Worker
	created time.Time

	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// NewManager returns a manager whose workers share store and logger.
// Extra options are applied to every worker.
func NewManager(logger pslog.Logger, store hostkeys.Store, opts ...WorkerOption) *Manager {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if store == nil {
		store = hostkeys.NewMemoryStore()
	}
	return &Manager{
		logger:   logger,
		hostKeys: store,
		opts:     opts,
		entries:  make(map[string]*managed),
	}
}

// Open creates and registers a worker without connecting it.
func (m *Manager) Open(cfg Config, opts ...WorkerOption) *Worker {
	all := append([]WorkerOption{WithLogger(m.logger), WithHostKeyStore(m.hostKeys)}, m.opts...)
	all = append(all, opts...)
	w := NewWorker(cfg, all...)
	e := &managed{worker: w, created: time.Now(), subs: make(map[int]*subscriber)}

	m.mu.Lock()
	m.entries[w.ID()] = e
	m.order = append(m.order, w.ID())
	m.mu.Unlock()

	go m.fanOut(e)
	return w
}

// Connect opens a worker and connects it. The worker stays registered even
// when Connect fails so its terminal events and history can be inspected.
func (m *Manager) Connect(ctx context.Context, cfg Config, opts ...WorkerOption) (*Worker, error) {
	w := m.Open(cfg, opts...)
	if err := w.Connect(ctx); err != nil {
		return w, err
	}
	return w, nil
}

func (m *Manager) fanOut(e *managed) {
	for ev := range e.worker.Events() {
		e.mu.Lock()
		subs := make([]*subscriber, 0, len(e.subs))
		for _, s := range e.subs {
			subs = append(subs, s)
		}
		e.mu.Unlock()
		for _, s := range subs {
			select {
			case s.ch <- ev:
			case <-s.done:
			}
		}
	}
	e.mu.Lock()
	for id, s := range e.subs {
		close(s.ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()
}

// Subscribe returns a channel receiving the session's events from now on.
// The channel is closed when the worker's stream ends; cancel stops delivery
// early. A subscriber that stops reading without cancelling stalls delivery
// to the others.
func (m *Manager) Subscribe(id string, buffer int) (<-chan Event, func(), error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrUnknownSession
	}
	s := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}

	e.mu.Lock()
	select {
	case <-e.worker.Done():
		// The stream may already be drained; hand back a closed channel.
		e.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, func() {}, nil
	default:
	}
	sid := e.nextID
	e.nextID++
	e.subs[sid] = s
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(s.done)
			e.mu.Lock()
			delete(e.subs, sid)
			e.mu.Unlock()
		})
	}
	return s.ch, cancel, nil
}

func (m *Manager) Get(id string) (*Worker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// List returns workers in the order they were opened.
func (m *Manager) List() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Worker, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id].worker)
	}
	return out
}

// Remove disconnects the worker and forgets it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	return e.worker.Disconnect()
}

// CloseAll disconnects every worker.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*managed)
	m.order = nil
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].created.Before(entries[j].created) })
	for _, e := range entries {
		e.worker.Disconnect()
	}
}
