package rank

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy marks configuration errors that must fail the run before
// any fetching happens.
var ErrInvalidPolicy = errors.New("invalid scoring policy")

// Duration lets the policy file carry windows as duration strings ("168h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// PostWeights are the policy weights for post notability. The engine itself
// has no opinion on them; they are tunable, not a fixed contract.
type PostWeights struct {
	Favorites float64 `yaml:"favorites"`
	Reshares  float64 `yaml:"reshares"`
	Replies   float64 `yaml:"replies"`
	Recency   float64 `yaml:"recency"`
	Original  float64 `yaml:"original"`
}

// AccountWeights are the policy weights for account interestingness.
type AccountWeights struct {
	Followers    float64 `yaml:"followers"`
	Verified     float64 `yaml:"verified"`
	Relationship float64 `yaml:"relationship"`
	Ratio        float64 `yaml:"ratio"`
}

// Policy configures both rankings plus the enrichment freshness window.
type Policy struct {
	K                   int            `yaml:"k"`
	RecencyHalfLifeDays float64        `yaml:"recency_half_life_days"`
	FreshnessWindow     Duration       `yaml:"freshness_window"`
	PostWeights         PostWeights    `yaml:"post_weights"`
	AccountWeights      AccountWeights `yaml:"account_weights"`
}

// DefaultPolicy mirrors the tool's historical engagement composite: likes
// plus double-weighted reshares plus half-weighted replies, with a modest
// originality bonus, and mutual follows ranked above one-directional ones.
func DefaultPolicy() *Policy {
	return &Policy{
		K:                   5,
		RecencyHalfLifeDays: 365,
		FreshnessWindow:     Duration(7 * 24 * time.Hour),
		PostWeights: PostWeights{
			Favorites: 1.0,
			Reshares:  2.0,
			Replies:   0.5,
			Recency:   0.25,
			Original:  0.5,
		},
		AccountWeights: AccountWeights{
			Followers:    1.0,
			Verified:     0.5,
			Relationship: 0.75,
			Ratio:        0.25,
		},
	}
}

// LoadPolicy reads a policy file, filling unset fields from the default
// policy, and validates it.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidPolicy, path, err)
		}
		if err := yaml.Unmarshal(raw, policy); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidPolicy, path, err)
		}
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

// Validate rejects policies that cannot produce a meaningful ranking.
func (p *Policy) Validate() error {
	if p.K <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidPolicy, p.K)
	}
	weights := map[string]float64{
		"post_weights.favorites":       p.PostWeights.Favorites,
		"post_weights.reshares":        p.PostWeights.Reshares,
		"post_weights.replies":         p.PostWeights.Replies,
		"post_weights.recency":         p.PostWeights.Recency,
		"post_weights.original":        p.PostWeights.Original,
		"account_weights.followers":    p.AccountWeights.Followers,
		"account_weights.verified":     p.AccountWeights.Verified,
		"account_weights.relationship": p.AccountWeights.Relationship,
		"account_weights.ratio":        p.AccountWeights.Ratio,
	}
	postTotal := p.PostWeights.Favorites + p.PostWeights.Reshares + p.PostWeights.Replies +
		p.PostWeights.Recency + p.PostWeights.Original
	accountTotal := p.AccountWeights.Followers + p.AccountWeights.Verified +
		p.AccountWeights.Relationship + p.AccountWeights.Ratio

	for name, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidPolicy, name)
		}
		if w < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidPolicy, name)
		}
	}
	if postTotal <= 0 {
		return fmt.Errorf("%w: at least one post weight must be positive", ErrInvalidPolicy)
	}
	if accountTotal <= 0 {
		return fmt.Errorf("%w: at least one account weight must be positive", ErrInvalidPolicy)
	}
	if p.PostWeights.Recency > 0 && p.RecencyHalfLifeDays <= 0 {
		return fmt.Errorf("%w: recency_half_life_days must be positive when recency is weighted", ErrInvalidPolicy)
	}
	return nil
}
