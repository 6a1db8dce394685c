package macro

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"pkt.systems/pslog"

	"github.com/Pequito/sessionvault/internal/logutil"
	"github.com/Pequito/sessionvault/internal/session"
)

var (
	ErrAlreadyRecording = errors.New("session is already being recorded")
	ErrNotRecording     = errors.New("session is not being recorded")
	ErrEngineStopped    = errors.New("macro engine stopped")
)

// Target is the subset of a session worker the engine drives.
type Target interface {
	ID() string
	Ready() bool
	Send(p []byte) error
	AddInputTap(f func([]byte)) (remove func())
}

type Resolver interface {
	Resolve(id string) (Target, error)
}

type ResolverFunc func(id string) (Target, error)

func (f ResolverFunc) Resolve(id string) (Target, error) { return f(id) }

// ManagerResolver resolves session IDs against a session manager.
func ManagerResolver(m *session.Manager) Resolver {
	return ResolverFunc(func(id string) (Target, error) {
		w, ok := m.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", session.ErrUnknownSession, id)
		}
		return w, nil
	})
}

type Option func(*Engine)

func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

func WithLogger(l pslog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the clock used to stamp recorded entries.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type recorder struct {
	mu      sync.Mutex
	start   time.Time
	entries []Entry
	remove  func()
}

// Engine records Send traffic per session and replays it with the original
// relative timing.
type Engine struct {
	resolver Resolver
	store    Store
	logger   pslog.Logger
	now      func() time.Time
	cron     *cron.Cron

	mu        sync.Mutex
	recorders map[string]*recorder
	playbacks map[*Playback]struct{}
	stopped   bool
}

func NewEngine(resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		resolver:  resolver,
		now:       time.Now,
		recorders: make(map[string]*recorder),
		playbacks: make(map[*Playback]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.logger == nil {
		e.logger = pslog.Ctx(context.Background())
	}
	e.logger = e.logger.With("component", "macro")
	e.cron = cron.New()
	e.cron.Start()
	return e
}

// StartRecording captures every byte sequence accepted by the session's Send.
func (e *Engine) StartRecording(sessionID string) error {
	t, err := e.resolver.Resolve(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEngineStopped
	}
	if _, ok := e.recorders[sessionID]; ok {
		return ErrAlreadyRecording
	}
	rec := &recorder{start: e.now()}
	rec.remove = t.AddInputTap(func(p []byte) {
		at := e.now()
		rec.mu.Lock()
		off := at.Sub(rec.start)
		if n := len(rec.entries); n > 0 && off < rec.entries[n-1].Offset {
			off = rec.entries[n-1].Offset
		}
		if off < 0 {
			off = 0
		}
		rec.entries = append(rec.entries, Entry{Offset: off, Data: append([]byte(nil), p...)})
		rec.mu.Unlock()
	})
	e.recorders[sessionID] = rec
	e.logger.Info("macro recording started", "session", sessionID)
	return nil
}

// Recording reports whether sessionID is being recorded.
func (e *Engine) Recording(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.recorders[sessionID]
	return ok
}

// StopRecording finalizes the capture. The recording is saved under name
// unless name is empty.
func (e *Engine) StopRecording(sessionID, name string) (*Recording, error) {
	e.mu.Lock()
	rec, ok := e.recorders[sessionID]
	delete(e.recorders, sessionID)
	e.mu.Unlock()
	if !ok {
		return nil, ErrNotRecording
	}
	rec.remove()

	rec.mu.Lock()
	r := &Recording{Name: name, CreatedAt: rec.start, Entries: rec.entries}
	rec.mu.Unlock()

	e.logger.Info("macro recording stopped", "session", sessionID, "macro", logutil.SanitizeForLog(name), "entries", len(r.Entries))
	if name == "" {
		return r, nil
	}
	if err := e.store.Save(r); err != nil {
		return r, fmt.Errorf("save macro %s: %w", name, err)
	}
	return r, nil
}

func (e *Engine) Save(r *Recording) error { return e.store.Save(r) }

func (e *Engine) Get(name string) (*Recording, error) { return e.store.Get(name) }

func (e *Engine) Delete(name string) error { return e.store.Delete(name) }

func (e *Engine) Names() ([]string, error) { return e.store.Names() }

// Export encodes a stored macro.
func (e *Engine) Export(name string, f Format) ([]byte, error) {
	r, err := e.store.Get(name)
	if err != nil {
		return nil, err
	}
	return Encode(r, f)
}

// Import decodes and stores a macro, returning its name.
func (e *Engine) Import(data []byte, f Format) (string, error) {
	r, err := Decode(data, f)
	if err != nil {
		return "", err
	}
	if err := e.store.Save(r); err != nil {
		return "", err
	}
	return r.Name, nil
}

// Playback is one in-flight replay.
type Playback struct {
	Macro  string
	Target string

	cancel context.CancelFunc
	done   chan struct{}
	sent   atomic.Int64
	err    error
}

func (p *Playback) Done() <-chan struct{} { return p.done }

func (p *Playback) Cancel() { p.cancel() }

// Sent is the number of entries dispatched so far.
func (p *Playback) Sent() int { return int(p.sent.Load()) }

// Wait blocks until the replay finishes and returns why it stopped.
func (p *Playback) Wait() error {
	<-p.done
	return p.err
}

// Replay schedules each entry's Send on the target at replay start plus the
// entry's offset. Entries are not acknowledged; a cancelled replay keeps what
// was already dispatched. A target that is not Ready aborts the rest.
func (e *Engine) Replay(ctx context.Context, name, targetID string) (*Playback, error) {
	r, err := e.store.Get(name)
	if err != nil {
		return nil, err
	}
	t, err := e.resolver.Resolve(targetID)
	if err != nil {
		return nil, err
	}
	if !t.Ready() {
		return nil, fmt.Errorf("replay %s into %s: %w", name, targetID, session.ErrSessionNotReady)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Playback{Macro: name, Target: targetID, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel()
		return nil, ErrEngineStopped
	}
	e.playbacks[p] = struct{}{}
	e.mu.Unlock()

	logger := e.logger.With("macro", logutil.SanitizeForLog(name), "session", targetID)
	logger.Info("macro replay started", "entries", len(r.Entries))
	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.playbacks, p)
			e.mu.Unlock()
			if p.err != nil {
				logger.Warn("macro replay stopped", "sent", p.Sent(), "err", p.err)
			} else {
				logger.Info("macro replay finished", "sent", p.Sent())
			}
			close(p.done)
		}()
		p.err = play(ctx, r, t, &p.sent)
	}()
	return p, nil
}

func play(ctx context.Context, r *Recording, t Target, sent *atomic.Int64) error {
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i, entry := range r.Entries {
		if d := time.Until(start.Add(entry.Offset)); d > 0 {
			timer.Reset(d)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if !t.Ready() {
			return fmt.Errorf("entry %d: %w", i, session.ErrSessionNotReady)
		}
		if err := t.Send(entry.Data); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		sent.Add(1)
	}
	return nil
}

// Schedule replays name into sessionID on a cron schedule (five fields).
func (e *Engine) Schedule(spec, name, sessionID string) (cron.EntryID, error) {
	if _, err := e.store.Get(name); err != nil {
		return 0, err
	}
	id, err := e.cron.AddFunc(spec, func() {
		p, err := e.Replay(context.Background(), name, sessionID)
		if err != nil {
			e.logger.Warn("scheduled macro replay skipped", "macro", logutil.SanitizeForLog(name), "session", sessionID, "err", err)
			return
		}
		_ = p.Wait()
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", spec, err)
	}
	e.logger.Info("macro scheduled", "macro", logutil.SanitizeForLog(name), "session", sessionID, "spec", spec, "entry", int(id))
	return id, nil
}

func (e *Engine) Unschedule(id cron.EntryID) { e.cron.Remove(id) }

// Scheduled lists the cron entries currently registered.
func (e *Engine) Scheduled() []cron.Entry { return e.cron.Entries() }

// Stop halts the scheduler, cancels replays and drops active recordings.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	recs := e.recorders
	e.recorders = make(map[string]*recorder)
	pbs := make([]*Playback, 0, len(e.playbacks))
	for p := range e.playbacks {
		pbs = append(pbs, p)
	}
	e.mu.Unlock()

	for _, r := range recs {
		r.remove()
	}
	for _, p := range pbs {
		p.Cancel()
	}
	<-e.cron.Stop().Done()
	for _, p := range pbs {
		<-p.done
	}
}
