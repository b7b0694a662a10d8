package mlxr

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlxr-project/mlxr/internal/pager"
)

// run is the worker loop: one goroutine driving engine steps.
// It sleeps on the scheduler condition variable while no producer has
// flagged work, and re-flags itself after any step that made progress so
// decode continues without new submissions.
func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for !s.closed && !s.dirty {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.dirty = false
		s.mu.Unlock()

		if s.step() {
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		}
	}
}

// wakeLocked flags pending work and pokes the worker. Caller holds s.mu.
func (s *Scheduler) wakeLocked() {
	s.dirty = true
	s.cond.Signal()
}

// step runs one control cycle: reap cancellations and
// deadlines, build the batch, execute it without holding the scheduler
// lock, then apply results. Returns whether any progress was made.
func (s *Scheduler) step() bool {
	s.mu.Lock()
	s.stepCount++
	now := time.Now()
	changed := s.reapLocked(now)
	batch := s.buildBatchLocked(now)
	if batch.empty() {
		s.mu.Unlock()
		return changed
	}
	// Members are marked in-flight so a producer's Fork never observes a
	// parent whose cache the engine is mutating.
	for _, seq := range batch.decode {
		seq.inFlight = true
	}
	for _, e := range batch.prefill {
		e.seq.inFlight = true
	}
	s.mu.Unlock()

	results := s.execute(batch)

	s.mu.Lock()
	for _, r := range results {
		r.seq.inFlight = false
	}
	s.applyResultsLocked(results, time.Now())
	if st := s.arena.Stats(); st.AllocatedTotal > s.stats.PeakKVBlocksUsed {
		s.stats.PeakKVBlocksUsed = st.AllocatedTotal
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	return true
}

// reapLocked applies external cancellations and wall-clock deadlines
// before batch formation, so a cancelled sequence is never handed to the
// engine.
func (s *Scheduler) reapLocked(now time.Time) bool {
	changed := false
	for _, seq := range s.sequences {
		if seq.state.terminal() {
			continue
		}
		if seq.cancelRequested.Load() {
			s.finalizeLocked(seq, StateCancelled, FinishCancelled, nil)
			changed = true
			continue
		}
		if !seq.deadline.IsZero() && now.After(seq.deadline) {
			seq.lastErr = ErrTimeout
			s.finalizeLocked(seq, StateFailed, FinishError, nil)
			changed = true
		}
	}
	return changed
}

// orderedRunningLocked returns the admitted sequences by descending
// priority, FIFO within a class.
func (s *Scheduler) orderedRunningLocked() []*sequence {
	out := append([]*sequence(nil), s.running...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].arrivalSeq < out[j].arrivalSeq
	})
	return out
}

// buildBatchLocked assembles one step's decode and prefill sets, admitting
// from the wait queue and resolving KV capacity (eviction, then
// preemption) for every member.
func (s *Scheduler) buildBatchLocked(now time.Time) *stepBatch {
	batch := &stepBatch{}
	members := make(map[*sequence]bool)

	if s.cfg.EnablePriorityScheduling {
		for _, seq := range s.running {
			seq.priority = s.priority.Compute(seq, now)
		}
	}

	// Resume preempted sequences; capacity is re-checked per set below.
	for _, seq := range s.running {
		if seq.state == StatePaused && !seq.pausedBackpressure && seq.preemptedAtStep != s.stepCount {
			if seq.promptDone < len(seq.req.PromptTokens) {
				seq.state = StatePrefilling
			} else {
				seq.state = StateDecoding
			}
			seq.decodeSteps = 0
		}
	}

	s.admitLocked(now, batch, members)

	// Decode set: latency-sensitive work first.
	tokenBudget := s.cfg.MaxBatchTokens
	for _, seq := range s.orderedRunningLocked() {
		if seq.state != StateDecoding || members[seq] {
			continue
		}
		if batch.size() >= s.cfg.MaxBatchSize || len(batch.decode) >= tokenBudget {
			break
		}
		if s.repairEvictedLocked(seq, members, batch) {
			continue // repair chunk scheduled (or the sequence sat out)
		}
		if !s.ensureCapacityLocked(seq, seq.cache.CachedTokens+1, members, batch) {
			continue
		}
		if seq.state != StateDecoding { // preempted while making room for itself
			continue
		}
		batch.decode = append(batch.decode, seq)
		members[seq] = true
	}

	// Prefill set: remaining budget, with the decode preference capping how
	// far prefill may crowd into a step that also decodes.
	prefillBudget := tokenBudget - len(batch.decode)
	if len(batch.decode) > 0 {
		if limit := int(float64(s.cfg.MaxBatchTokens) * (1 - s.cfg.DecodePreference)); prefillBudget > limit {
			prefillBudget = limit
		}
	}
	for _, seq := range s.orderedRunningLocked() {
		if seq.state != StatePrefilling || members[seq] {
			continue
		}
		if prefillBudget <= 0 || batch.size() >= s.cfg.MaxBatchSize {
			break
		}
		if s.repairEvictedLocked(seq, members, batch) {
			continue
		}
		chunk := len(seq.req.PromptTokens) - seq.promptDone
		if thr := s.effectivePrefillThreshold(seq); thr > 0 && thr < chunk {
			chunk = thr
		}
		if chunk > prefillBudget {
			chunk = prefillBudget
		}
		if chunk <= 0 {
			continue
		}
		if !s.ensureCapacityLocked(seq, seq.cache.CachedTokens+chunk, members, batch) {
			continue
		}
		if seq.state != StatePrefilling {
			continue
		}
		batch.prefill = append(batch.prefill, prefillEntry{
			seq:   seq,
			chunk: seq.req.PromptTokens[seq.promptDone : seq.promptDone+chunk],
		})
		members[seq] = true
		prefillBudget -= chunk
	}

	return batch
}

// admitLocked moves sequences from Waiting to Prefilling while the KV pool
// can hold a first chunk and the batch has member headroom. Admission
// order is whatever the instance scheduler decides.
func (s *Scheduler) admitLocked(now time.Time, batch *stepBatch, members map[*sequence]bool) {
	blockSize := s.pager.BlockSize()
	s.instSched.OrderQueue(s.waitQ.Items(), now)

	for s.waitQ.Len() > 0 {
		if len(s.running) >= s.cfg.MaxBatchSize {
			return
		}
		next := s.waitQ.Peek()
		if ok, reason := s.admission.Admit(next, now); !ok {
			logrus.WithFields(logrus.Fields{"seq_id": next.id, "reason": reason}).Debug("admission deferred")
			return
		}

		firstChunk := len(next.req.PromptTokens)
		if thr := s.effectivePrefillThreshold(next); thr > 0 && thr < firstChunk {
			firstChunk = thr
		}
		needBlocks := (firstChunk + blockSize - 1) / blockSize
		if !s.reserveCapacityLocked(next, needBlocks, members, batch) {
			if s.countActivesLocked(next) == 0 {
				// No running work will ever free blocks; the prompt simply
				// does not fit.
				s.waitQ.Dequeue()
				next.lastErr = fmt.Errorf("%w: first chunk of %d tokens", ErrOutOfCapacity, firstChunk)
				s.finalizeLocked(next, StateFailed, FinishError, nil)
				continue
			}
			return
		}

		s.waitQ.Dequeue()
		s.pager.Create(next.id)
		if matched := s.prefix.Match(s.pager, next.req.PromptTokens, blockSize); len(matched) > 0 {
			if err := s.pager.AdoptPrefix(next.id, matched); err == nil {
				next.cache.CachedTokens = len(matched) * blockSize
				next.promptDone = len(matched) * blockSize
				s.stats.PrefixBlockHits += len(matched)
			}
		}
		next.state = StatePrefilling
		next.decodeSteps = 0
		s.running = append(s.running, next)
	}
}

// countActivesLocked counts Prefilling/Decoding sequences other than seq.
func (s *Scheduler) countActivesLocked(seq *sequence) int {
	n := 0
	for _, r := range s.running {
		if r != seq && (r.state == StatePrefilling || r.state == StateDecoding) {
			n++
		}
	}
	return n
}

// ensureCapacityLocked grows a member's page table, running the eviction /
// preemption recovery loop on OutOfCapacity. A false return means the
// sequence sits this step out (or was failed, when nothing could ever
// free room).
func (s *Scheduler) ensureCapacityLocked(seq *sequence, targetTokens int, members map[*sequence]bool, batch *stepBatch) bool {
	err := s.pager.EnsureCapacity(seq.id, int64(targetTokens))
	if err == nil {
		return true
	}
	if !errors.Is(err, pager.ErrOutOfCapacity) {
		seq.lastErr = err
		s.finalizeLocked(seq, StateFailed, FinishError, nil)
		return false
	}

	have, herr := s.pager.NumBlocks(seq.id)
	if herr != nil {
		have = 0
	}
	blockSize := s.pager.BlockSize()
	need := (targetTokens+blockSize-1)/blockSize - have
	if !s.reserveCapacityLocked(seq, need, members, batch) {
		if s.countActivesLocked(seq) == 0 {
			seq.lastErr = fmt.Errorf("%w: ensure capacity to %d tokens", ErrOutOfCapacity, targetTokens)
			s.finalizeLocked(seq, StateFailed, FinishError, nil)
		}
		return false
	}
	if err := s.pager.EnsureCapacity(seq.id, int64(targetTokens)); err != nil {
		return false
	}
	return true
}

// repairEvictedLocked checks a candidate for evicted slots below its
// cached-token horizon and, when found, restores the holes and schedules a
// recompute prefill over the lost positions, at batch-formation time so
// the engine never reads a hole. Returns
// true when the sequence should not be batched normally this step - it got
// a repair chunk, sat out for lack of capacity, or failed its single
// retry.
func (s *Scheduler) repairEvictedLocked(seq *sequence, members map[*sequence]bool, batch *stepBatch) bool {
	expected := seq.expectedCached()
	if expected == 0 {
		return false
	}
	first, err := s.pager.FirstEvictedIndex(seq.id, int64(expected))
	if err != nil {
		return false
	}
	if first < 0 && seq.cache.CachedTokens >= expected {
		return false // no holes, nothing interrupted
	}

	blockSize := s.pager.BlockSize()
	if first >= 0 {
		if seq.kvMissRetried {
			seq.lastErr = fmt.Errorf("%w: repeated kv miss for %s", pager.ErrKVMiss, seq.id)
			s.finalizeLocked(seq, StateFailed, FinishError, nil)
			return true
		}
		holes, herr := s.pager.CountEvicted(seq.id, int64(expected))
		if herr != nil {
			return false
		}
		if !s.reserveCapacityLocked(seq, holes, members, batch) {
			return true // sit this step out; blocks may free up later
		}
		if err := s.pager.RestoreEvicted(seq.id, (expected+blockSize-1)/blockSize); err != nil {
			return true
		}
		if intact := first * blockSize; intact < seq.cache.CachedTokens {
			seq.cache.CachedTokens = intact
		}
		seq.kvMissRetried = true
		s.stats.KVMissRetries++
	}

	cached := seq.cache.CachedTokens
	if cached >= expected {
		return false // restored blocks sit past the cached horizon; later writes fill them
	}
	logrus.WithFields(logrus.Fields{
		"seq_id": seq.id, "intact_tokens": cached, "recompute": expected - cached,
	}).Warn("kv miss: recomputing evicted positions")

	batch.prefill = append(batch.prefill, prefillEntry{
		seq:       seq,
		chunk:     seq.fullKVTokens()[cached:expected],
		recompute: true,
	})
	members[seq] = true
	return true
}

// reserveCapacityLocked makes room for need more blocks: eviction first,
// then - if enabled - preempting lower-priority sequences so the next
// eviction pass can drain them. Eviction never
// touches the requester or any sequence already batched this step.
func (s *Scheduler) reserveCapacityLocked(requester *sequence, need int, members map[*sequence]bool, batch *stepBatch) bool {
	if need <= 0 || s.freeBlocksLocked() >= need {
		return true
	}
	exclude := func() map[string]bool {
		out := map[string]bool{requester.id: true}
		for m := range members {
			out[m.id] = true
		}
		return out
	}
	if n, err := s.evict.MaybeEvictExcluding(exclude()); err == nil && n > 0 {
		s.stats.BlocksEvicted += n
		if s.freeBlocksLocked() >= need {
			return true
		}
	} else if err != nil {
		logrus.WithError(err).Warn("eviction failed")
	}
	if !s.cfg.EnablePreemption {
		return false
	}

	for {
		victim := s.pickVictimLocked(requester, members)
		if victim == nil {
			return false
		}
		s.preemptLocked(victim, members, batch)
		n, err := s.evict.MaybeEvictExcluding(exclude())
		if err != nil {
			logrus.WithError(err).Warn("eviction failed after preemption")
			return false
		}
		s.stats.BlocksEvicted += n
		if s.freeBlocksLocked() >= need {
			return true
		}
		if n == 0 {
			// The victim's blocks were not reclaimable (floor, sharing);
			// keep preempting until no victims remain.
			continue
		}
	}
}

// pickVictimLocked selects a preemption victim: the lowest-priority active
// sequence at or below the requester's priority, preferring non-members;
// batch members qualify only past the decode-steps guard. Ties go to the
// newest arrival.
func (s *Scheduler) pickVictimLocked(requester *sequence, members map[*sequence]bool) *sequence {
	better := func(a, b *sequence) *sequence {
		if b == nil {
			return a
		}
		if a.priority != b.priority {
			if a.priority < b.priority {
				return a
			}
			return b
		}
		if a.arrivalSeq > b.arrivalSeq {
			return a
		}
		return b
	}
	var nonMember, member *sequence
	for _, r := range s.running {
		if r == requester || (r.state != StatePrefilling && r.state != StateDecoding) {
			continue
		}
		if r.priority > requester.priority {
			continue
		}
		if members[r] {
			if r.decodeSteps >= s.cfg.MinDecodeStepsBeforePreempt {
				member = better(r, member)
			}
			continue
		}
		nonMember = better(r, nonMember)
	}
	if nonMember != nil {
		return nonMember
	}
	return member
}

// preemptLocked pauses a victim, keeping its sequence and page table
// intact so it can resume; its blocks become eviction candidates the
// moment the working set sees it inactive.
func (s *Scheduler) preemptLocked(victim *sequence, members map[*sequence]bool, batch *stepBatch) {
	logrus.WithFields(logrus.Fields{"seq_id": victim.id, "step": s.stepCount}).Warn("preempting to make room")
	victim.state = StatePaused
	victim.preemptedAtStep = s.stepCount
	s.stats.Preemptions++
	if !members[victim] {
		return
	}
	delete(members, victim)
	for i, d := range batch.decode {
		if d == victim {
			batch.decode = append(batch.decode[:i], batch.decode[i+1:]...)
			break
		}
	}
	for i, e := range batch.prefill {
		if e.seq == victim {
			if e.recompute {
				// The repair never ran; give the retry budget back.
				victim.kvMissRetried = false
			}
			batch.prefill = append(batch.prefill[:i], batch.prefill[i+1:]...)
			break
		}
	}
}

// stepResult carries one batch member's outcome from the lock-free
// execute phase back under the scheduler lock.
type stepResult struct {
	seq             *sequence
	isPrefill       bool
	recompute       bool
	chunkLen        int // prompt tokens consumed, zero for recompute chunks
	finishedPrefill bool
	newToken        *int64
	kvRecovered     bool
	cancelled       bool
	err             error
}

// execute runs the engine once per batch member, decode set first. The
// scheduler lock is NOT held: only the worker mutates sequence execution
// state, and the pager/arena carry their own locks.
func (s *Scheduler) execute(batch *stepBatch) []stepResult {
	results := make([]stepResult, 0, batch.size())
	for _, seq := range batch.decode {
		results = append(results, s.executeDecode(seq))
	}
	for _, e := range batch.prefill {
		results = append(results, s.executePrefill(e))
	}
	return results
}

func (s *Scheduler) executeDecode(seq *sequence) stepResult {
	res := stepResult{seq: seq}
	if seq.cancelRequested.Load() {
		res.cancelled = true
		return res
	}
	tok := seq.pendingDecodeToken()
	if tok == nil {
		res.err = fmt.Errorf("%w: decode with no pending token for %s", ErrInvalidArgument, seq.id)
		return res
	}
	logits, err := s.eng.ForwardDecode(*tok, seq.cache)
	if err != nil && errors.Is(err, pager.ErrKVMiss) && !seq.kvMissRetried {
		seq.kvMissRetried = true
		res.kvRecovered = true
		if rerr := s.recoverKVMiss(seq); rerr != nil {
			res.err = rerr
			return res
		}
		logits, err = s.eng.ForwardDecode(*tok, seq.cache)
	}
	if err != nil {
		res.err = err
		return res
	}
	next := s.sampler.Sample(logits, seq.generated, seq.req.samplingParams(), s.rng.ForRequest(seq.id, seq.req.Seed))
	res.newToken = &next
	return res
}

func (s *Scheduler) executePrefill(e prefillEntry) stepResult {
	seq := e.seq
	res := stepResult{seq: seq, isPrefill: true, recompute: e.recompute}
	if seq.cancelRequested.Load() {
		res.cancelled = true
		return res
	}
	logits, err := s.eng.ForwardPrefill(e.chunk, seq.cache)
	if err != nil && errors.Is(err, pager.ErrKVMiss) && !seq.kvMissRetried {
		seq.kvMissRetried = true
		res.kvRecovered = true
		if rerr := s.recoverKVMiss(seq); rerr != nil {
			res.err = rerr
			return res
		}
		logits, err = s.eng.ForwardPrefill(e.chunk, seq.cache)
	}
	if err != nil {
		res.err = err
		return res
	}
	if e.recompute {
		return res // restored positions only; no progress, no sampling
	}
	res.chunkLen = len(e.chunk)
	if seq.promptDone+len(e.chunk) == len(seq.req.PromptTokens) {
		res.finishedPrefill = true
		next := s.sampler.Sample(logits, seq.generated, seq.req.samplingParams(), s.rng.ForRequest(seq.id, seq.req.Seed))
		res.newToken = &next
	}
	return res
}

// recoverKVMiss is the execute-phase backstop for a miss that slipped past
// batch-time repair: restore the holes and re-prefill from the earliest
// non-evicted prefix. Recovery runs once; a second miss fails the
// request.
func (s *Scheduler) recoverKVMiss(seq *sequence) error {
	blockSize := s.pager.BlockSize()
	cached := seq.cache.CachedTokens
	history := seq.fullKVTokens()

	first, err := s.pager.FirstEvictedIndex(seq.id, int64(cached))
	if err != nil {
		return err
	}
	if first < 0 {
		return fmt.Errorf("%w: no evicted slot found for %s", pager.ErrKVMiss, seq.id)
	}
	upTo := (cached + blockSize - 1) / blockSize
	if err := s.pager.RestoreEvicted(seq.id, upTo); err != nil {
		return err
	}
	intact := first * blockSize
	seq.cache.CachedTokens = intact
	logrus.WithFields(logrus.Fields{
		"seq_id": seq.id, "intact_tokens": intact, "recompute": cached - intact,
	}).Warn("kv miss: recomputing evicted positions")
	if _, err := s.eng.ForwardPrefill(history[intact:cached], seq.cache); err != nil {
		return err
	}
	return nil
}

// applyResultsLocked folds execution outcomes back into sequence state:
// token bookkeeping, stop conditions, stream emission, terminal cleanup.
func (s *Scheduler) applyResultsLocked(results []stepResult, now time.Time) {
	blockSize := s.pager.BlockSize()
	for _, r := range results {
		seq := r.seq
		if seq.state.terminal() {
			continue
		}
		if r.cancelled {
			s.finalizeLocked(seq, StateCancelled, FinishCancelled, nil)
			continue
		}
		if r.kvRecovered {
			s.stats.KVMissRetries++
		}
		if r.err != nil {
			seq.lastErr = r.err
			s.finalizeLocked(seq, StateFailed, FinishError, nil)
			continue
		}

		if r.isPrefill {
			s.stats.PrefillSteps++
			seq.promptDone += r.chunkLen
			if blocks, berr := s.pager.Blocks(seq.id); berr == nil {
				s.prefix.Register(seq, blockSize, blocks)
			}
			if r.recompute {
				// Repair landed; the single-retry budget renews.
				seq.kvMissRetried = false
			}
		} else {
			seq.decodeSteps++
		}
		if r.newToken == nil {
			continue // prefill chunks remain
		}

		tok := *r.newToken
		seq.generated = append(seq.generated, tok)
		seq.lastTokenAt = now
		if seq.firstTokenAt.IsZero() {
			seq.firstTokenAt = now
		}
		s.stats.TokensGenerated++
		s.stats.DecodeSteps++
		if r.finishedPrefill {
			seq.state = StateDecoding
			seq.decodeSteps = 0
		}

		switch {
		case s.cfg.EOSTokenID >= 0 && tok == s.cfg.EOSTokenID:
			s.finalizeLocked(seq, StateCompleted, FinishEOS, &tok)
		case tokenInSet(tok, seq.req.StopTokens):
			s.finalizeLocked(seq, StateCompleted, FinishStop, &tok)
		case len(seq.generated) >= seq.req.MaxNewTokens:
			s.finalizeLocked(seq, StateCompleted, FinishLength, &tok)
		default:
			s.emitLocked(seq, Token{ID: tok})
		}
	}
}

func tokenInSet(tok int64, set []int64) bool {
	for _, t := range set {
		if t == tok {
			return true
		}
	}
	return false
}
