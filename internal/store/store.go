// Package store persists captured frames to a durable asset directory
// and hands out identifiers asynchronously. A save has no identifier
// until its completion fires: the only sources of truth are the
// Pending's Done channel and Result accessor, both of which stay empty
// until the bytes are on disk (or the write has conclusively failed).
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cjeanneret/BracketGo/internal/debug"
	"github.com/cjeanneret/BracketGo/internal/hw/camera"
	"github.com/google/uuid"
)

// ErrClosed is reported for frames submitted after Close.
var ErrClosed = errors.New("store: closed")

// SaveResult is the terminal outcome of one save: a durable identifier,
// or the reason the write failed. Exactly one is delivered per
// submitted frame, and only after the write is committed or failed.
type SaveResult struct {
	ID  string // uuid, empty on failure
	Err error
}

// Pending is the handle returned by Submit. Done yields the SaveResult
// exactly once; Result reports not-ready until the completion fired.
type Pending struct {
	done chan SaveResult
	once sync.Once

	mu    sync.Mutex
	res   SaveResult
	ready bool
}

func newPending() *Pending {
	return &Pending{done: make(chan SaveResult, 1)}
}

// complete delivers the result. Safe to call at most the once it is
// guarded for; the channel is buffered so delivery never blocks the
// writer.
func (p *Pending) complete(res SaveResult) {
	p.once.Do(func() {
		p.mu.Lock()
		p.res = res
		p.ready = true
		p.mu.Unlock()
		p.done <- res
		close(p.done)
	})
}

// Done returns the completion channel. It receives the SaveResult once
// the write is durably committed or conclusively failed.
func (p *Pending) Done() <-chan SaveResult {
	return p.done
}

// Result returns the save outcome and whether it is available yet.
// Before completion the boolean is false and the result is zero —
// there is no identifier to observe early.
func (p *Pending) Result() (SaveResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.res, p.ready
}

type job struct {
	frame   *camera.Frame
	pending *Pending
}

// Store writes frames to an asset directory. All writes go through a
// single writer goroutine; Submit returns immediately with a Pending.
type Store struct {
	dir   string
	queue chan job

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Open prepares the asset directory and starts the writer.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store: asset directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create asset directory: %w", err)
	}

	s := &Store{
		dir:   dir,
		queue: make(chan job, 16),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Dir returns the asset directory.
func (s *Store) Dir() string { return s.dir }

// Submit queues a frame for persistence and returns its Pending
// immediately. Ownership of the frame transfers to the store. After
// Close the Pending completes at once with ErrClosed.
func (s *Store) Submit(f *camera.Frame) *Pending {
	p := newPending()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.complete(SaveResult{Err: ErrClosed})
		return p
	}
	s.queue <- job{frame: f, pending: p}
	s.mu.Unlock()
	return p
}

// Close stops accepting frames, drains the queue and waits for the
// writer to finish. Every accepted Pending completes.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Store) writer() {
	defer s.wg.Done()
	for j := range s.queue {
		j.pending.complete(s.write(j.frame))
	}
}

// write commits one frame: temp file in the asset directory, fsync,
// rename to the final uuid name. The identifier exists only after the
// rename succeeded.
func (s *Store) write(f *camera.Frame) SaveResult {
	id := uuid.NewString()
	name := id
	if f.Format != "" {
		name += "." + f.Format
	}
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"

	if err := s.commit(tmp, final, f.Data); err != nil {
		_ = os.Remove(tmp)
		debug.Error(err)
		return SaveResult{Err: fmt.Errorf("store: save frame %d: %w", f.StepIndex, err)}
	}

	debug.Saved(f.StepIndex, name)
	return SaveResult{ID: name}
}

func (s *Store) commit(tmp, final string, data []byte) error {
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
