package mlxr

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlxr-project/mlxr/internal/arena"
	"github.com/mlxr-project/mlxr/internal/engine"
	"github.com/mlxr-project/mlxr/internal/eviction"
	"github.com/mlxr-project/mlxr/internal/kernel"
	"github.com/mlxr-project/mlxr/internal/pager"
)

// Scheduler multiplexes many requests onto a single engine with bounded
// step latency. It owns the whole hierarchy: pager owns arena, eviction
// holds a pager capability, the engine holds a pager capability - nothing
// points back up.
//
// One worker goroutine drives steps; any number of producer goroutines may
// call Submit/Cancel/Fork/Stats concurrently. The scheduler mutex guards
// queue and sequence state; the arena and pager carry their own finer
// locks so producers can register sequences while a step executes.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg   Config
	arena *arena.Arena
	pager *pager.Pager
	evict *eviction.Manager
	eng   *engine.Engine

	sampler engine.Sampler
	rng     *engine.RequestRNG

	instSched InstanceScheduler
	admission AdmissionPolicy
	priority  PriorityPolicy

	waitQ     *waitQueue
	sequences map[string]*sequence // every non-terminal sequence
	running   []*sequence          // admitted: Prefilling/Decoding/Paused

	prefix *prefixIndex
	stats  SchedulerStats

	nextArrival int64
	nextID      int64
	stepCount   int

	started bool
	closed  bool
	dirty   bool // producers flag pending work; the worker clears it
	done    chan struct{}
}

// New wires the serving core together: arena sized from the model shape
// and the configured block counts, pager, eviction manager, engine bound
// to the given kernel implementation.
func New(cfg Config, modelCfg engine.ModelConfig, w *engine.Weights, ops kernel.Ops) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a := arena.New(arena.Config{
		Shape: arena.BlockShape{
			NumLayers:      modelCfg.NumLayers,
			TokensPerBlock: cfg.KVBlockSize,
			NumKVHeads:     modelCfg.NumKVHeads,
			HeadDim:        modelCfg.HeadDim,
		},
		GPUCapacity:    cfg.TotalKVBlocks,
		CPUCapacity:    cfg.CPUKVBlocks,
		EnableOverflow: cfg.CPUKVBlocks > 0,
	})
	p := pager.New(a, cfg.KVBlockSize)
	eng, err := engine.New(ops, modelCfg, w, p)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		arena:     a,
		pager:     p,
		eng:       eng,
		rng:       engine.NewRequestRNG(cfg.MasterSeed),
		waitQ:     &waitQueue{},
		sequences: make(map[string]*sequence),
		prefix:    newPrefixIndex(),
		stats:     newStats(),
		done:      make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.priority = NewPriorityPolicy(cfg.Policies.Priority)
	s.instSched = NewScheduler(cfg.Policies.Scheduler, s.priority)
	s.admission = NewAdmissionPolicy(cfg.Policies.Admission,
		cfg.Policies.AdmissionBucketCapacity, cfg.Policies.AdmissionBucketRefill)

	// The meta callback runs only from MaybeEvict, which the worker calls
	// while holding s.mu - reading s.sequences here needs no extra lock.
	s.evict = eviction.New(p, cfg.Eviction, eviction.NewPolicy(cfg.Policies.Eviction), func(seqID string) eviction.SequenceMeta {
		seq, ok := s.sequences[seqID]
		if !ok {
			return eviction.SequenceMeta{}
		}
		return eviction.SequenceMeta{
			Priority: seq.priority,
			Active:   seq.state == StatePrefilling || seq.state == StateDecoding,
		}
	})
	return s, nil
}

// Start launches the worker goroutine. Idempotent until Close.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	go s.run()
}

// Close stops the worker and cancels every in-flight request. Blocks
// until the worker exits.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.cond.Broadcast()
	s.mu.Unlock()

	if started {
		<-s.done
	} else {
		close(s.done)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range s.sequences {
		if !seq.state.terminal() {
			s.finalizeLocked(seq, StateCancelled, FinishCancelled, nil)
		}
	}
}

// Submit accepts a request and returns a handle for its token stream. The
// request starts Waiting; the worker admits it when KV and token budgets
// allow.
func (s *Scheduler) Submit(req *Request) (*Handle, error) {
	if len(req.PromptTokens) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidArgument)
	}
	if req.MaxNewTokens <= 0 {
		req.MaxNewTokens = 128
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if req.ID == "" {
		s.nextID++
		req.ID = fmt.Sprintf("req-%d", s.nextID)
	}
	if _, dup := s.sequences[req.ID]; dup {
		return nil, fmt.Errorf("%w: duplicate request id %s", ErrInvalidArgument, req.ID)
	}

	now := time.Now()
	s.nextArrival++
	seq := &sequence{
		id:         req.ID,
		req:        req,
		state:      StateWaiting,
		priority:   req.Priority,
		arrival:    now,
		arrivalSeq: s.nextArrival,
		cache:      &engine.InferenceCache{SeqID: req.ID},
		out:        make(chan Token, s.cfg.StreamBufferSize),
	}
	if req.Deadline > 0 {
		seq.deadline = now.Add(req.Deadline)
		// The worker sleeps on a condition variable; a timer poke makes
		// sure an expired deadline is noticed even on an idle scheduler.
		time.AfterFunc(req.Deadline, func() {
			s.mu.Lock()
			s.wakeLocked()
			s.mu.Unlock()
		})
	}
	s.sequences[seq.id] = seq
	s.waitQ.Enqueue(seq)
	s.stats.Submitted++
	s.wakeLocked()
	return &Handle{seq: seq}, nil
}

// Cancel requests cancellation. The flip is atomic; the worker observes it
// before the sequence's next engine call and releases its blocks. Safe to
// call more than once and after completion.
func (s *Scheduler) Cancel(h *Handle) {
	h.seq.cancelRequested.Store(true)
	s.mu.Lock()
	s.wakeLocked()
	s.mu.Unlock()
}

// Fork creates a child sequence sharing the parent's KV via copy-on-write.
// The parent must have finished prefill; the child continues
// decoding the same history under its own sampling parameters.
func (s *Scheduler) Fork(parent *Handle, req *Request) (*Handle, error) {
	if req.MaxNewTokens <= 0 {
		req.MaxNewTokens = 128
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	p := parent.seq
	// Wait out any step currently executing the parent: the engine could
	// be mid-write through the very cache view being copied.
	for p.inFlight && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if p.state.terminal() {
		return nil, fmt.Errorf("%w: fork of terminal sequence %s", ErrInvalidArgument, p.id)
	}
	if p.promptDone < len(p.req.PromptTokens) || len(p.generated) == 0 {
		return nil, fmt.Errorf("%w: fork requires a sequence past prefill", ErrInvalidArgument)
	}
	if req.ID == "" {
		s.nextID++
		req.ID = fmt.Sprintf("req-%d", s.nextID)
	}
	if _, dup := s.sequences[req.ID]; dup {
		return nil, fmt.Errorf("%w: duplicate request id %s", ErrInvalidArgument, req.ID)
	}
	if len(req.PromptTokens) == 0 {
		req.PromptTokens = p.req.PromptTokens
	}

	if err := s.pager.Fork(p.id, req.ID); err != nil {
		return nil, err
	}
	// The child inherits the parent's generated tokens as history; its
	// MaxNewTokens budget counts only the tokens it samples itself.
	req.MaxNewTokens += len(p.generated)

	now := time.Now()
	s.nextArrival++
	child := &sequence{
		id:         req.ID,
		parentID:   p.id,
		req:        req,
		state:      StateDecoding,
		priority:   req.Priority,
		arrival:    now,
		arrivalSeq: s.nextArrival,
		promptDone: len(req.PromptTokens),
		generated:  append([]int64(nil), p.generated...),
		cache:      &engine.InferenceCache{SeqID: req.ID, CachedTokens: p.cache.CachedTokens},
		out:        make(chan Token, s.cfg.StreamBufferSize),
	}
	if req.Deadline > 0 {
		child.deadline = now.Add(req.Deadline)
	}
	s.sequences[child.id] = child
	s.running = append(s.running, child)
	s.stats.Submitted++
	s.wakeLocked()
	return &Handle{seq: child}, nil
}

// Stats snapshots scheduler counters plus current arena occupancy.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats.clone()
	st.Arena = s.arena.Stats()
	return st
}

// State reports a handle's current lifecycle state.
func (s *Scheduler) State(h *Handle) SequenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.seq.state
}

// freeBlocksLocked counts blocks the arena could still hand out: free-list
// entries plus never-created headroom in each usable tier.
func (s *Scheduler) freeBlocksLocked() int {
	st := s.arena.Stats()
	total := s.cfg.TotalKVBlocks
	if s.cfg.CPUKVBlocks > 0 {
		total += s.cfg.CPUKVBlocks
	}
	return total - st.AllocatedTotal
}

// finalizeLocked moves a sequence to a terminal state, releases its KV,
// flushes its stream, and updates counters. Caller holds s.mu.
func (s *Scheduler) finalizeLocked(seq *sequence, state SequenceState, reason FinishReason, terminalTok *int64) {
	if seq.state.terminal() {
		return
	}
	seq.state = state
	seq.finish = reason

	switch state {
	case StateCompleted:
		s.stats.Completed++
	case StateCancelled:
		s.stats.Cancelled++
	case StateFailed:
		s.stats.Failed++
		logrus.WithError(seq.lastErr).WithField("seq_id", seq.id).Warn("request failed")
	}
	s.stats.FinishReasons[reason]++

	if !seq.firstTokenAt.IsZero() && !seq.lastTokenAt.IsZero() {
		s.stats.TTFTSumMS += float64(seq.firstTokenAt.Sub(seq.arrival).Microseconds()) / 1000
		if n := len(seq.generated); n > 1 {
			s.stats.TPOTSumMS += float64(seq.lastTokenAt.Sub(seq.firstTokenAt).Microseconds()) / 1000 / float64(n-1)
			s.stats.TPOTCount++
		}
	}

	s.prefix.Drop(seq.id)
	s.rng.Forget(seq.id)
	s.waitQ.Remove(seq)
	for i, r := range s.running {
		if r == seq {
			s.running = append(s.running[:i], s.running[i+1:]...)
			break
		}
	}
	if _, err := s.pager.NumBlocks(seq.id); err == nil {
		if derr := s.pager.Delete(seq.id); derr != nil {
			logrus.WithError(derr).WithField("seq_id", seq.id).Warn("release blocks on finalize")
		}
	}
	delete(s.sequences, seq.id)

	tok := Token{ID: -1, FinishReason: reason}
	if terminalTok != nil {
		tok.ID = *terminalTok
	}
	seq.terminalPending = &tok
	if !seq.flusherActive {
		seq.flusherActive = true
		go s.flushSequence(seq)
	}
}

// emitLocked streams one non-terminal token. A full channel pauses the
// sequence and hands the token to a flusher goroutine whose blocking send
// doubles as the drain notification. Caller
// holds s.mu.
func (s *Scheduler) emitLocked(seq *sequence, tok Token) {
	if seq.flusherActive {
		seq.unsent = append(seq.unsent, tok)
		return
	}
	select {
	case seq.out <- tok:
	default:
		seq.unsent = append(seq.unsent, tok)
		seq.pausedBackpressure = true
		seq.state = StatePaused
		seq.flusherActive = true
		go s.flushSequence(seq)
	}
}

// flushSequence drains a sequence's unsent tokens with blocking sends,
// then resumes the sequence (or closes the stream if it went terminal
// while stalled). Runs outside the scheduler lock; at most one per
// sequence.
func (s *Scheduler) flushSequence(seq *sequence) {
	s.mu.Lock()
	for {
		for len(seq.unsent) > 0 {
			tok := seq.unsent[0]
			seq.unsent = seq.unsent[1:]
			s.mu.Unlock()
			seq.out <- tok
			s.mu.Lock()
		}
		if seq.terminalPending != nil {
			tok := *seq.terminalPending
			seq.terminalPending = nil
			s.mu.Unlock()
			seq.out <- tok
			close(seq.out)
			s.mu.Lock()
			if len(seq.unsent) != 0 {
				logrus.WithField("seq_id", seq.id).Error("tokens sampled after terminal emission")
			}
			break
		}
		if len(seq.unsent) == 0 {
			break
		}
	}
	seq.flusherActive = false
	if seq.pausedBackpressure {
		seq.pausedBackpressure = false
		if seq.state == StatePaused {
			if seq.promptDone < len(seq.req.PromptTokens) {
				seq.state = StatePrefilling
			} else {
				seq.state = StateDecoding
			}
		}
	}
	s.wakeLocked()
	s.mu.Unlock()
}
