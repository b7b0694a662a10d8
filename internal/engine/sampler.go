// Package engine drives one sequence's prefill/decode forward passes
// through a kernel.Ops implementation and turns resulting logits into a
// sampled token id. It depends on internal/kernel and
// internal/pager/internal/arena only - never on the root package - so the
// sampler operates on plain SamplingParams rather than a root Request.
package engine

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// SamplingParams mirrors the sampling-relevant request fields without
// depending on the root package's Request type.
type SamplingParams struct {
	Temperature       float64
	TopK              int
	TopP              float64
	RepetitionPenalty float64
}

// Sampler turns next-token logits into a token id: repetition penalty ->
// temperature -> top-k -> top-p -> categorical draw, with an argmax
// shortcut at temperature 0.
type Sampler struct{}

// Sample returns the next token id. recentTokens is the generated-so-far
// context used by the repetition penalty (most recent last); rng is the
// caller's per-request stream (see RequestRNG), consumed only when a
// categorical draw is actually required.
func (Sampler) Sample(logits []float64, recentTokens []int64, params SamplingParams, rng *rand.Rand) int64 {
	working := append([]float64(nil), logits...)
	applyRepetitionPenalty(working, recentTokens, params.RepetitionPenalty)

	if params.Temperature == 0 {
		return argmax(working)
	}

	for i := range working {
		working[i] /= params.Temperature
	}

	candidates := topK(working, params.TopK)
	candidates = topP(candidates, params.TopP)

	return categoricalDraw(candidates, rng)
}

// applyRepetitionPenalty divides (for positive logits) or multiplies (for
// negative logits) the logit of every token seen in recentTokens by
// penalty, matching the standard HF-style repetition penalty formulation.
// penalty <= 0 or == 1 is a no-op.
func applyRepetitionPenalty(logits []float64, recentTokens []int64, penalty float64) {
	if penalty <= 0 || penalty == 1 {
		return
	}
	seen := make(map[int64]bool, len(recentTokens))
	for _, t := range recentTokens {
		if int(t) < 0 || int(t) >= len(logits) || seen[t] {
			continue
		}
		seen[t] = true
		if logits[t] > 0 {
			logits[t] /= penalty
		} else {
			logits[t] *= penalty
		}
	}
}

// argmax returns the index of the largest value, the lowest index winning
// ties.
func argmax(logits []float64) int64 {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return int64(best)
}

type tokenLogit struct {
	token int64
	logit float64
}

// topK keeps the k highest-logit tokens, using strict '>' comparisons and
// keeping the first-seen token among equal logits. k <= 0 disables
// truncation.
func topK(logits []float64, k int) []tokenLogit {
	all := make([]tokenLogit, len(logits))
	for i, v := range logits {
		all[i] = tokenLogit{token: int64(i), logit: v}
	}
	if k <= 0 || k >= len(all) {
		return all
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].logit > all[j].logit
	})
	return all[:k]
}

// topP performs nucleus sampling: sorts descending by probability and keeps
// the smallest prefix whose cumulative probability crosses p, including the
// element that crosses the threshold. p <= 0 disables truncation.
func topP(candidates []tokenLogit, p float64) []tokenLogit {
	sorted := append([]tokenLogit(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].logit > sorted[j].logit
	})
	if p <= 0 || p >= 1 {
		return sorted
	}
	probs := softmax(sorted)
	var cum float64
	cut := len(sorted)
	for i, pr := range probs {
		cum += pr
		if cum >= p {
			cut = i + 1
			break
		}
	}
	return sorted[:cut]
}

func softmax(candidates []tokenLogit) []float64 {
	out := make([]float64, len(candidates))
	if len(candidates) == 0 {
		return out
	}
	max := candidates[0].logit
	for _, c := range candidates {
		if c.logit > max {
			max = c.logit
		}
	}
	var sum float64
	for i, c := range candidates {
		out[i] = math.Exp(c.logit - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// categoricalDraw samples one token from the truncated distribution using
// gonum's weighted-sampling implementation, seeded from the request's own
// RNG stream so a draw is reproducible given (seed, logits_history).
func categoricalDraw(candidates []tokenLogit, rng *rand.Rand) int64 {
	if len(candidates) == 1 {
		return candidates[0].token
	}
	weights := softmax(candidates)
	w := sampleuv.NewWeighted(weights, rng)
	idx, ok := w.Take()
	if !ok {
		return candidates[0].token
	}
	return candidates[idx].token
}
