// Package relevance picks the entities an utterance is most likely
// about.
//
// Two signals are ORed together. The category signal fires when the
// utterance mentions a lexicon category ("temperature", "φώτα") and
// selects every entity whose metadata satisfies that category's
// predicate. The lexical signal matches utterance tokens against entity
// ids and friendly names. Results keep snapshot order and are capped;
// there is no similarity ranking.
package relevance

import (
	"log/slog"
	"strings"

	"github.com/nugget/hearth/internal/catalog"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/lexicon"
)

// DefaultMaxCandidates caps the candidate set.
const DefaultMaxCandidates = 15

// MaxCandidatesLimit is the largest cap [WithMaxCandidates] accepts.
const MaxCandidatesLimit = 20

// DefaultExclude lists entity id globs that are never candidates.
var DefaultExclude = []string{"*update*", "*device_tracker*"}

// Candidate is a selected entity and the signals that selected it.
type Candidate struct {
	ID      string
	Reasons []string // "category:temperature", "token:living"
}

// Scorer selects candidate entities. It is safe for concurrent use.
type Scorer struct {
	lex     *lexicon.Lexicon
	exclude *homeassistant.EntityFilter
	max     int
	logger  *slog.Logger
}

// Option configures a Scorer.
type Option func(*scorerOptions)

type scorerOptions struct {
	max     int
	exclude []string
	logger  *slog.Logger
}

// WithMaxCandidates sets the candidate cap. Values below one are
// ignored and values above [MaxCandidatesLimit] are clamped.
func WithMaxCandidates(n int) Option {
	return func(o *scorerOptions) {
		if n > 0 {
			o.max = min(n, MaxCandidatesLimit)
		}
	}
}

// WithExclude adds exclusion globs on top of [DefaultExclude].
func WithExclude(globs ...string) Option {
	return func(o *scorerOptions) { o.exclude = append(o.exclude, globs...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *scorerOptions) { o.logger = l }
}

// NewScorer creates a scorer over lex. A nil lexicon uses
// [lexicon.Default].
func NewScorer(lex *lexicon.Lexicon, opts ...Option) *Scorer {
	o := scorerOptions{
		max:     DefaultMaxCandidates,
		exclude: append([]string(nil), DefaultExclude...),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if lex == nil {
		lex = lexicon.Default()
	}
	return &Scorer{
		lex:     lex,
		exclude: homeassistant.NewEntityFilter(o.exclude, o.logger),
		max:     o.max,
		logger:  o.logger,
	}
}

// Score returns up to the configured maximum of candidate entity ids.
// The same utterance and snapshot always produce the same result.
func (s *Scorer) Score(utterance string, snap *catalog.Snapshot) []string {
	cands := s.Rank(utterance, snap)
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	return ids
}

// Rank is Score with the reasons each entity was picked.
func (s *Scorer) Rank(utterance string, snap *catalog.Snapshot) []Candidate {
	text := lexicon.Normalize(utterance)
	tokens := s.lex.Tokenize(utterance)

	var fired []lexicon.Category
	for _, cat := range s.lex.Categories {
		if lexicon.ContainsAny(text, cat.Keywords) {
			fired = append(fired, cat)
		}
	}
	if len(fired) == 0 && len(tokens) == 0 {
		return nil
	}

	var out []Candidate
	for _, e := range snap.Entities() {
		if s.exclude.Any(e.ID) {
			continue
		}

		var reasons []string
		for _, cat := range fired {
			if matchesPredicate(e, cat.Predicate) {
				reasons = append(reasons, "category:"+cat.Name)
			}
		}
		if len(tokens) > 0 {
			id := strings.ToLower(e.ID)
			name := lexicon.Normalize(e.FriendlyName())
			for _, tok := range tokens {
				if strings.Contains(id, tok) || (name != "" && strings.Contains(name, tok)) {
					reasons = append(reasons, "token:"+tok)
				}
			}
		}
		if len(reasons) == 0 {
			continue
		}

		out = append(out, Candidate{ID: e.ID, Reasons: reasons})
		if len(out) == s.max {
			break
		}
	}

	s.logger.Debug("relevance scored",
		"categories", len(fired),
		"tokens", tokens,
		"candidates", len(out),
	)
	return out
}

// matchesPredicate reports whether any predicate field matches e.
func matchesPredicate(e catalog.Entity, p lexicon.Predicate) bool {
	for _, d := range p.Domains {
		if e.Domain == d {
			return true
		}
	}
	if unit := e.Unit(); unit != "" {
		for _, u := range p.Units {
			if unit == u {
				return true
			}
		}
	}
	if dc := strings.ToLower(e.DeviceClass()); dc != "" {
		for _, want := range p.DeviceClasses {
			if strings.Contains(dc, want) {
				return true
			}
		}
	}
	id := strings.ToLower(e.ID)
	for _, frag := range p.IDContains {
		if strings.Contains(id, frag) {
			return true
		}
	}
	return false
}
