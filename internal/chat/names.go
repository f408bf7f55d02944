package chat

import (
	"math/rand/v2"
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultBlocklistThreshold = 0.92

// DefaultUsernamePool is the fallback set of audience handles used when the
// audience model omits a name or produces a blocked one.
var DefaultUsernamePool = []string{
	"ChatterBox", "EmoteLord", "QuestionMark", "StreamFan", "PixelPundit",
	"CodeSage", "DataDiver", "ByteBard", "LogicLover", "AI_Enthusiast",
	"SynthWaveFan", "MemeMachine", "KappaKing", "PogChampion", "LUL_Master",
	"TechieTom", "GamerGirl", "NightOwl", "CuriousCat", "HypeTrain",
}

// DefaultBlocklist holds names the audience must never impersonate.
var DefaultBlocklist = []string{"neuro", "neurosama", "vedal", "vedal987"}

// NameOption configures a [NamePolicy].
type NameOption func(*NamePolicy)

// WithPool replaces the substitute name pool. An empty pool keeps the default.
func WithPool(names []string) NameOption {
	return func(p *NamePolicy) {
		if len(names) > 0 {
			p.pool = append([]string(nil), names...)
		}
	}
}

// WithBlocklist replaces the blocked names.
func WithBlocklist(names []string) NameOption {
	return func(p *NamePolicy) {
		p.blocked = p.blocked[:0]
		for _, n := range names {
			if n = normalizeName(n); n != "" {
				p.blocked = append(p.blocked, n)
			}
		}
	}
}

// WithBlocklistThreshold sets the minimum Jaro-Winkler similarity at which a
// name counts as a blocked name. Default: 0.92.
func WithBlocklistThreshold(threshold float64) NameOption {
	return func(p *NamePolicy) {
		p.threshold = threshold
	}
}

// NamePolicy decides which usernames simulated chat lines may carry. It is
// read-only after construction and safe for concurrent use.
type NamePolicy struct {
	pool      []string
	blocked   []string
	threshold float64
}

// NewNamePolicy returns a policy using [DefaultUsernamePool] and
// [DefaultBlocklist] unless overridden.
func NewNamePolicy(opts ...NameOption) *NamePolicy {
	p := &NamePolicy{
		pool:      DefaultUsernamePool,
		threshold: defaultBlocklistThreshold,
	}
	WithBlocklist(DefaultBlocklist)(p)
	for _, o := range opts {
		o(p)
	}
	return p
}

// Blocked reports whether name is a blocked name, embeds one, or is close
// enough to be an obvious variant ("Neuro_Sama", "vedal98").
func (p *NamePolicy) Blocked(name string) bool {
	n := normalizeName(name)
	if n == "" {
		return false
	}
	for _, b := range p.blocked {
		if n == b || (len(b) >= 4 && strings.Contains(n, b)) {
			return true
		}
		if matchr.JaroWinkler(n, b, false) >= p.threshold {
			return true
		}
	}
	return false
}

// Substitute returns a random name from the pool.
func (p *NamePolicy) Substitute() string {
	return p.pool[rand.IntN(len(p.pool))]
}

// Resolve returns name unless it is empty or blocked, in which case a pool
// name is returned instead.
func (p *NamePolicy) Resolve(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || p.Blocked(name) {
		return p.Substitute()
	}
	return name
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', ' ', '-', '.':
			return -1
		}
		return r
	}, s)
}
