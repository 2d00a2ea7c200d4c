// Package selector picks the routing policy for a ranked candidate list:
// reuse the best existing capability, compose several into a chain, or ask
// the generator for a fresh module. The decision is a pure function of the
// intent, the ranking, and two thresholds.
package selector

import (
	"fmt"

	"pulsus/internal/envelope"
	"pulsus/internal/intent"
	"pulsus/internal/logging"
	"pulsus/internal/scorer"
)

// Policy is the routing strategy for one cycle.
type Policy string

const (
	PolicySelect   Policy = "SELECT"
	PolicyCompose  Policy = "COMPOSE"
	PolicyGenerate Policy = "GENERATE"
)

// DefaultThreshold is tau, the minimum score for single-candidate reuse.
const DefaultThreshold = 0.60

// DefaultBand is epsilon, the width of the near-tie band under the top
// score.
const DefaultBand = 0.05

// Choice is the selector verdict. Selected is set for SELECT, Chain for
// COMPOSE; GENERATE carries neither.
type Choice struct {
	Policy   Policy
	Selected *scorer.ScoredCandidate
	Chain    []scorer.ScoredCandidate
	Reason   string
}

// Selector applies the threshold rules.
type Selector struct {
	tau     float64
	epsilon float64
}

// New builds a selector; non-positive arguments fall back to the defaults.
func New(tau, epsilon float64) *Selector {
	if tau <= 0 {
		tau = DefaultThreshold
	}
	if epsilon <= 0 {
		epsilon = DefaultBand
	}
	return &Selector{tau: tau, epsilon: epsilon}
}

// Choose applies, in order: the explicit-path override, single-winner
// SELECT, near-tie COMPOSE, and the GENERATE fallback.
func (s *Selector) Choose(in intent.ParsedIntent, ranked []scorer.ScoredCandidate) Choice {
	log := logging.Get(logging.CategorySelector)

	if in.HasExplicitPath() {
		for i := range ranked {
			d := ranked[i].Descriptor
			if d.Domain == "analysis" && d.Action == "analyze_path" {
				log.Debug("explicit path forces SELECT of %s", d.Key())
				return Choice{
					Policy:   PolicySelect,
					Selected: &ranked[i],
					Reason:   "explicit path routes to analysis.analyze_path",
				}
			}
		}
		return Choice{
			Policy: PolicyGenerate,
			Reason: "explicit path given but analysis.analyze_path is not registered",
		}
	}

	if len(ranked) == 0 {
		return Choice{Policy: PolicyGenerate, Reason: "no candidates discovered"}
	}

	top := ranked[0]
	band := s.bandMembers(ranked)

	if top.Score >= s.tau && len(band) == 1 {
		log.Debug("clear winner %s at %.3f", top.Descriptor.Key(), top.Score)
		return Choice{
			Policy:   PolicySelect,
			Selected: &ranked[0],
			Reason:   fmt.Sprintf("top candidate %s scored %.2f >= %.2f with no near tie", top.Descriptor.Key(), top.Score, s.tau),
		}
	}

	if len(band) >= 2 {
		if chain := composableChain(band); len(chain) >= 2 {
			keys := make([]string, len(chain))
			for i, c := range chain {
				keys[i] = c.Descriptor.Key()
			}
			log.Debug("near tie composes %v", keys)
			return Choice{
				Policy: PolicyCompose,
				Chain:  chain,
				Reason: fmt.Sprintf("%d candidates within %.2f of top score chain by type tags", len(chain), s.epsilon),
			}
		}
	}

	if top.Score >= s.tau {
		// Near ties that cannot chain still beat generating from scratch.
		return Choice{
			Policy:   PolicySelect,
			Selected: &ranked[0],
			Reason:   fmt.Sprintf("top candidate %s scored %.2f; near ties are not composable", top.Descriptor.Key(), top.Score),
		}
	}

	return Choice{
		Policy: PolicyGenerate,
		Reason: fmt.Sprintf("top score %.2f below threshold %.2f and no composable pair", top.Score, s.tau),
	}
}

// bandMembers returns the candidates within epsilon of the top score,
// preserving rank order. The top candidate itself is always included.
func (s *Selector) bandMembers(ranked []scorer.ScoredCandidate) []scorer.ScoredCandidate {
	floor := ranked[0].Score - s.epsilon
	var band []scorer.ScoredCandidate
	for _, c := range ranked {
		if c.Score < floor {
			break
		}
		band = append(band, c)
	}
	return band
}

// composableChain orders band members so each step's output type tag feeds
// a required input of the next. It seeds with a producer whose output no
// band member produces for it, then greedily extends.
func composableChain(band []scorer.ScoredCandidate) []scorer.ScoredCandidate {
	for i := range band {
		chain := []scorer.ScoredCandidate{band[i]}
		used := map[string]bool{band[i].Descriptor.Key(): true}
		for extended := true; extended; {
			extended = false
			tail := chain[len(chain)-1].Descriptor
			for j := range band {
				d := band[j].Descriptor
				if used[d.Key()] || !feeds(tail, d) {
					continue
				}
				chain = append(chain, band[j])
				used[d.Key()] = true
				extended = true
				break
			}
		}
		if len(chain) >= 2 {
			return chain
		}
	}
	return nil
}

// feeds reports whether a's declared output satisfies one of b's required
// inputs.
func feeds(a, b envelope.Descriptor) bool {
	if a.Returns == "" {
		return false
	}
	for _, tag := range b.InputTypeTags() {
		if tag == a.Returns {
			return true
		}
	}
	return false
}
