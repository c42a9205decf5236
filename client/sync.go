package client

import (
	"context"
	"sync"
	"time"

	"github.com/crewsync/realtime/internal/config"
	"github.com/crewsync/realtime/internal/slogging"
)

// EchoGuard prevents a remote mutation from being re-broadcast as a local
// one. While a remote change is being applied (plus a short tail for
// deferred observer callbacks) the guard reports suppressed, and the
// local-change path checks it before emitting.
type EchoGuard struct {
	mu sync.Mutex
	// depth counts nested applications
	depth int
	// tailUntil extends suppression past the end of an application
	tailUntil time.Time
	// tail is how long suppression lingers after an application completes
	tail time.Duration
}

// NewEchoGuard creates a guard with the given release tail (100ms is the
// usual choice)
func NewEchoGuard(tail time.Duration) *EchoGuard {
	return &EchoGuard{tail: tail}
}

// Apply runs fn with suppression held, then keeps it held for the tail
// window
func (g *EchoGuard) Apply(fn func()) {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.depth--
		g.tailUntil = time.Now().Add(g.tail)
		g.mu.Unlock()
	}()
	fn()
}

// Suppressed reports whether a local-change observer should stay quiet
func (g *EchoGuard) Suppressed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0 || time.Now().Before(g.tailUntil)
}

// Debouncer coalesces a burst of calls into one trailing invocation: the
// last function passed within a window is the one that runs, after the
// window closes
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending func()
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet window
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{window: window}
}

// Trigger schedules fn to run after the window, replacing any pending fn
// and restarting the window
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	d.pending = fn
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	fn := d.pending
	d.pending = nil
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Flush runs any pending invocation immediately
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.fire()
}

// Stop cancels any pending invocation and rejects further triggers. Called
// on disconnect so no timer outlives its owner.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
	}
}

// SaveFunc persists the current full state
type SaveFunc func(ctx context.Context) error

// Saver debounces full-state saves to the persistence collaborator on a
// longer window than the peer broadcast. A failed save stays dirty and is
// retried on the next cycle; relay already succeeded, so the failure is
// logged, never surfaced as a relay error.
type Saver struct {
	debounce *Debouncer
	save     SaveFunc
	logger   slogging.SimpleLogger

	mu    sync.Mutex
	dirty bool
}

// NewSaver creates a saver with the given quiet window
func NewSaver(window time.Duration, save SaveFunc) *Saver {
	return &Saver{
		debounce: NewDebouncer(window),
		save:     save,
		logger:   slogging.Get(),
	}
}

// MarkDirty records a local change and schedules a save after the window
func (s *Saver) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	s.debounce.Trigger(s.runSave)
}

// SaveNow flushes any pending save immediately
func (s *Saver) SaveNow() {
	s.debounce.Flush()
}

// Dirty reports whether unsaved changes exist
func (s *Saver) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Stop cancels pending saves (disconnect cleanup)
func (s *Saver) Stop() {
	s.debounce.Stop()
}

func (s *Saver) runSave() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.save(ctx); err != nil {
		// Stay dirty; the next cycle or an explicit SaveNow retries
		s.logger.Warn("Debounced save failed, will retry - error=%v", err)
		return
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// DocSync wires the pieces together for one bidirectionally synced
// document (canvas, markdown, spreadsheet): remote events apply under the
// echo guard, local changes broadcast through a debouncer and mark the
// saver dirty.
type DocSync struct {
	guard     *EchoGuard
	broadcast *Debouncer
	saver     *Saver
	emit      func()
}

// DocSyncConfig configures a DocSync
type DocSyncConfig struct {
	// BroadcastWindow coalesces local-change broadcasts (typing ~300ms,
	// cursor ~100ms)
	BroadcastWindow time.Duration
	// SaveWindow coalesces persistence writes (2-3s)
	SaveWindow time.Duration
	// GuardTail extends echo suppression after a remote application
	GuardTail time.Duration
	// Emit sends the latest local state to peers
	Emit func()
	// Save persists the full state
	Save SaveFunc
}

// NewDocSync creates the sync wiring for one document
func NewDocSync(cfg DocSyncConfig) *DocSync {
	if cfg.GuardTail <= 0 {
		cfg.GuardTail = 100 * time.Millisecond
	}
	return &DocSync{
		guard:     NewEchoGuard(cfg.GuardTail),
		broadcast: NewDebouncer(cfg.BroadcastWindow),
		saver:     NewSaver(cfg.SaveWindow, cfg.Save),
		emit:      cfg.Emit,
	}
}

// NewDocSyncFromConfig wires a document's sync with the configured windows:
// the typing debounce for peer broadcasts, the save debounce for persistence
func NewDocSyncFromConfig(cfg config.ReconnectConfig, emit func(), save SaveFunc) *DocSync {
	return NewDocSync(DocSyncConfig{
		BroadcastWindow: cfg.TypingDebounce,
		SaveWindow:      cfg.SaveDebounce,
		Emit:            emit,
		Save:            save,
	})
}

// NewCursorSyncFromConfig is the pointer-stream variant: cursor movement
// coalesces on the tighter cursor debounce window
func NewCursorSyncFromConfig(cfg config.ReconnectConfig, emit func(), save SaveFunc) *DocSync {
	return NewDocSync(DocSyncConfig{
		BroadcastWindow: cfg.CursorDebounce,
		SaveWindow:      cfg.SaveDebounce,
		Emit:            emit,
		Save:            save,
	})
}

// ApplyRemote applies a remote mutation without echoing it back out
func (d *DocSync) ApplyRemote(apply func()) {
	d.guard.Apply(apply)
}

// LocalChanged reports a local mutation. Nothing is emitted when the
// change was caused by a remote application still under guard.
func (d *DocSync) LocalChanged() {
	if d.guard.Suppressed() {
		return
	}
	d.broadcast.Trigger(d.emit)
	d.saver.MarkDirty()
}

// Saver exposes the underlying saver for explicit flushes
func (d *DocSync) Saver() *Saver {
	return d.saver
}

// Stop cancels all pending timers (disconnect cleanup)
func (d *DocSync) Stop() {
	d.broadcast.Stop()
	d.saver.Stop()
}
