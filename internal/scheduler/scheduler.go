package scheduler

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/probeops/warden/pkg/api"
)

// Admission is the verdict for one polled task.
type Admission int

const (
	Admitted Admission = iota
	Duplicate
)

// reportedHorizon bounds how many already-reported task ids are remembered
// for duplicate detection across polls.
const reportedHorizon = 4096

// Scheduler owns the pending queue and the running set. All shared task
// state lives behind one mutex so the concurrency-limit invariant is
// auditable in one place. The scheduler never runs anything itself; the
// agent loop asks it for dispatchable tasks via Next.
type Scheduler struct {
	mu       sync.Mutex
	limit    int
	pending  []api.TaskSpec
	running  map[string]struct{}
	inFlight map[string]struct{} // admitted and not yet reported
	reported *lru.Cache[string, struct{}]

	notify chan struct{}
}

func New(limit int) *Scheduler {
	if limit <= 0 {
		limit = 1
	}
	cache, _ := lru.New[string, struct{}](reportedHorizon)
	return &Scheduler{
		limit:    limit,
		running:  map[string]struct{}{},
		inFlight: map[string]struct{}{},
		reported: cache,
		notify:   make(chan struct{}, 1),
	}
}

// Admit enqueues a task unless its id is already pending, running,
// terminal-but-unreported, or recently reported. Controller retries are
// expected to produce duplicates; they are dropped silently.
func (s *Scheduler) Admit(t api.TaskSpec) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[t.ID]; ok {
		return Duplicate
	}
	if _, ok := s.reported.Get(t.ID); ok {
		return Duplicate
	}
	s.inFlight[t.ID] = struct{}{}
	s.pending = append(s.pending, t)
	s.wake()
	return Admitted
}

// Next pops the oldest pending task if a concurrency slot is free and
// marks it running. ok is false when nothing is dispatchable right now.
func (s *Scheduler) Next() (api.TaskSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 || len(s.running) >= s.limit {
		return api.TaskSpec{}, false
	}
	t := s.pending[0]
	s.pending = s.pending[1:]
	s.running[t.ID] = struct{}{}
	if len(s.running) > s.limit {
		// Unreachable unless the bookkeeping above is broken. Undo and
		// refuse rather than corrupt the running set.
		delete(s.running, t.ID)
		s.pending = append([]api.TaskSpec{t}, s.pending...)
		log.Error().Str("task", t.ID).Int("limit", s.limit).Msg("concurrency invariant violated, refusing dispatch")
		return api.TaskSpec{}, false
	}
	return t, true
}

// OnCompletion frees the task's concurrency slot. The id stays tracked
// until MarkReported so a re-polled duplicate cannot rerun it.
func (s *Scheduler) OnCompletion(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.wake()
	s.mu.Unlock()
}

// MarkReported forgets a task after the controller acknowledged (or the
// agent gave up on) its result, keeping the id in the dedup horizon.
func (s *Scheduler) MarkReported(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.reported.Add(id, struct{}{})
	s.mu.Unlock()
}

// DiscardQueued drops every not-yet-started task, used on shutdown. The
// dropped tasks are returned for logging; their ids leave the in-flight
// set so the controller can re-issue them.
func (s *Scheduler) DiscardQueued() []api.TaskSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.pending
	s.pending = nil
	for _, t := range dropped {
		delete(s.inFlight, t.ID)
	}
	return dropped
}

// Counts reports the running and queued sizes for heartbeats.
func (s *Scheduler) Counts() (running, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running), len(s.pending)
}

// Wake returns a channel that receives a tick whenever a task may have
// become dispatchable.
func (s *Scheduler) Wake() <-chan struct{} {
	return s.notify
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
