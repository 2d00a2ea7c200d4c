// Package scorer ranks capability descriptors against a parsed intent. The
// score blends three signals: how well the descriptor's (domain, action)
// matches the parsed pair, how much of the utterance its docstring covers,
// and how often it succeeded recently. Ranking is fully deterministic for a
// fixed intent, descriptor set, weight tuple, and history snapshot.
package scorer

import (
	"sort"
	"strings"

	"pulsus/internal/envelope"
	"pulsus/internal/intent"
	"pulsus/internal/logging"
)

// Weights is the score composition. The three components each land in
// [0, 1], so with normalized weights the total does too.
type Weights struct {
	Name    float64 `yaml:"name"`
	Doc     float64 `yaml:"doc"`
	History float64 `yaml:"history"`
}

// DefaultWeights is the canonical 0.40/0.40/0.20 split.
func DefaultWeights() Weights {
	return Weights{Name: 0.40, Doc: 0.40, History: 0.20}
}

// Breakdown records the unweighted components behind a score.
type Breakdown struct {
	Name    float64 `json:"name"`
	Doc     float64 `json:"doc"`
	History float64 `json:"history"`
}

// ScoredCandidate pairs a descriptor with its score.
type ScoredCandidate struct {
	Descriptor envelope.Descriptor `json:"descriptor"`
	Score      float64             `json:"score"`
	Breakdown  Breakdown           `json:"score_breakdown"`
}

// HistoryProvider answers windowed success-rate queries. The history store
// implements it; tests substitute fixed rates.
type HistoryProvider interface {
	SuccessRate(domain, action string, window int) (float64, error)
}

const historyPrior = 0.5

// Scorer ranks descriptors. Safe for concurrent use when the provider is.
type Scorer struct {
	weights Weights
	window  int
	history HistoryProvider
}

// New builds a scorer. A nil provider scores every candidate at the neutral
// history prior.
func New(w Weights, window int, history HistoryProvider) *Scorer {
	if window <= 0 {
		window = 50
	}
	return &Scorer{weights: w, window: window, history: history}
}

// Rank scores every descriptor and returns them ordered best-first with
// deterministic tie-breaks: name component, then doc component, then
// alphabetical (domain, action).
func (s *Scorer) Rank(in intent.ParsedIntent, descriptors []envelope.Descriptor) []ScoredCandidate {
	intentPair := pairTokens(in.Domain, in.Action)
	intentTokens := in.Tokens()

	out := make([]ScoredCandidate, 0, len(descriptors))
	for _, d := range descriptors {
		b := Breakdown{
			Name:    jaccard(intentPair, pairTokens(d.Domain, d.Action)),
			Doc:     docOverlap(intentTokens, d.Description),
			History: s.successRate(d),
		}
		out = append(out, ScoredCandidate{
			Descriptor: d,
			Score:      s.weights.Name*b.Name + s.weights.Doc*b.Doc + s.weights.History*b.History,
			Breakdown:  b,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Breakdown.Name != b.Breakdown.Name {
			return a.Breakdown.Name > b.Breakdown.Name
		}
		if a.Breakdown.Doc != b.Breakdown.Doc {
			return a.Breakdown.Doc > b.Breakdown.Doc
		}
		if a.Descriptor.Domain != b.Descriptor.Domain {
			return a.Descriptor.Domain < b.Descriptor.Domain
		}
		return a.Descriptor.Action < b.Descriptor.Action
	})

	if len(out) > 0 {
		logging.Get(logging.CategoryScorer).Debug(
			"ranked %d candidates, top %s at %.3f (name=%.2f doc=%.2f hist=%.2f)",
			len(out), out[0].Descriptor.Key(), out[0].Score,
			out[0].Breakdown.Name, out[0].Breakdown.Doc, out[0].Breakdown.History)
	}
	return out
}

func (s *Scorer) successRate(d envelope.Descriptor) float64 {
	if s.history == nil {
		return historyPrior
	}
	rate, err := s.history.SuccessRate(d.Domain, d.Action, s.window)
	if err != nil {
		logging.Get(logging.CategoryScorer).Warn("history lookup failed for %s: %v", d.Key(), err)
		return historyPrior
	}
	return rate
}

// pairTokens splits a (domain, action) pair into a normalized token set,
// folding synonyms so "summarise_rows" and "summarize" compare equal.
func pairTokens(domain, action string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range []string{domain, action} {
		for _, tok := range strings.FieldsFunc(part, func(r rune) bool {
			return r == '_' || r == '-' || r == '.' || r == ' '
		}) {
			for _, t := range intent.Tokenize(tok) {
				if canonical, ok := intent.NormalizeAction(t); ok {
					t = canonical
				}
				set[t] = true
			}
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// docOverlap is the fraction of intent tokens present in the docstring.
func docOverlap(intentTokens []string, docstring string) float64 {
	if len(intentTokens) == 0 {
		return 0
	}
	docSet := make(map[string]bool)
	for _, t := range intent.Tokenize(docstring) {
		docSet[t] = true
	}
	hit := 0
	for _, t := range intentTokens {
		if docSet[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(intentTokens))
}
