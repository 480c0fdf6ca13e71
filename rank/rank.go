package rank

import (
	"math"
	"sort"
	"time"

	"birdseye/models"
)

// candidate is one entity mid-scoring: its weighted factors plus the raw
// value used for tie-breaking.
type candidate struct {
	id      string
	tieRaw  float64
	factors []models.Factor
}

// RankPosts scores every post under the policy and returns the top-k entries
// in rank order. The model is read-only to the engine.
func RankPosts(posts []*models.Post, policy *Policy, now time.Time) []models.ScoreEntry {
	candidates := make([]candidate, len(posts))
	for i, p := range posts {
		candidates[i] = candidate{id: p.ID, tieRaw: float64(p.Engagement())}
	}

	w := policy.PostWeights
	addFeature(candidates, "favorites", w.Favorites, minMax(collect(posts, func(p *models.Post) float64 {
		return float64(p.Favorites())
	})))
	addFeature(candidates, "reshares", w.Reshares, minMax(collect(posts, func(p *models.Post) float64 {
		return float64(p.Reshares())
	})))
	addFeature(candidates, "replies", w.Replies, minMax(collect(posts, func(p *models.Post) float64 {
		return float64(p.Replies())
	})))

	// Recency decay is already a 0..1 term, no candidate-set normalization
	// needed on top of the half-life.
	halfLife := policy.RecencyHalfLifeDays * 24 * float64(time.Hour)
	recency := collect(posts, func(p *models.Post) float64 {
		if p.CreatedAt.IsZero() || halfLife <= 0 {
			return 0
		}
		age := float64(now.Sub(p.CreatedAt))
		if age < 0 {
			age = 0
		}
		return math.Exp(-math.Ln2 * age / halfLife)
	})
	addFeature(candidates, "recency", w.Recency, normalized{raw: recency, norm: recency})

	original := collect(posts, func(p *models.Post) float64 {
		if p.IsReshare || p.IsReply {
			return 0
		}
		return 1
	})
	addFeature(candidates, "original", w.Original, normalized{raw: original, norm: original})

	return topK(candidates, policy.K)
}

// RankAccounts scores every account under the policy and returns the top-k
// entries in rank order.
func RankAccounts(accounts []*models.Account, policy *Policy) []models.ScoreEntry {
	candidates := make([]candidate, len(accounts))
	for i, a := range accounts {
		followers, _ := a.Followers()
		candidates[i] = candidate{id: a.ID, tieRaw: float64(followers)}
	}

	w := policy.AccountWeights

	// Follower counts are heavy-tailed, so log-scale before normalizing
	// against the candidate set.
	followerRaw := collect(accounts, func(a *models.Account) float64 {
		n, _ := a.Followers()
		return float64(n)
	})
	followerLog := make([]float64, len(followerRaw))
	for i, v := range followerRaw {
		followerLog[i] = math.Log1p(v)
	}
	addFeature(candidates, "followers", w.Followers, normalized{raw: followerRaw, norm: minMaxValues(followerLog)})

	verified := collect(accounts, func(a *models.Account) float64 {
		if a.IsVerified() {
			return 1
		}
		return 0
	})
	addFeature(candidates, "verified", w.Verified, normalized{raw: verified, norm: verified})

	relationship := collect(accounts, func(a *models.Account) float64 {
		switch a.Relation {
		case models.RelationMutual:
			return 1.0
		case models.RelationFollowsUser, models.RelationFollowedByUser:
			return 0.5
		default:
			return 0
		}
	})
	addFeature(candidates, "relationship", w.Relationship, normalized{raw: relationship, norm: relationship})

	// A large account that follows almost nobody yet follows the user is a
	// stronger signal than one that follows everyone back.
	ratioRaw := collect(accounts, func(a *models.Account) float64 {
		followers, ok := a.Followers()
		if !ok {
			return 0
		}
		following := 0
		if a.FollowingCount != nil {
			following = *a.FollowingCount
		}
		return float64(followers) / float64(following+1)
	})
	ratioLog := make([]float64, len(ratioRaw))
	for i, v := range ratioRaw {
		ratioLog[i] = math.Log1p(v)
	}
	addFeature(candidates, "follower_ratio", w.Ratio, normalized{raw: ratioRaw, norm: minMaxValues(ratioLog)})

	return topK(candidates, policy.K)
}

type normalized struct {
	raw  []float64
	norm []float64
}

func collect[T any](items []T, feature func(T) float64) []float64 {
	out := make([]float64, len(items))
	for i, item := range items {
		out[i] = feature(item)
	}
	return out
}

// minMax normalizes raw values against the candidate set. A degenerate set
// where every value is equal normalizes to zero for everyone, which keeps
// the result deterministic.
func minMax(raw []float64) normalized {
	return normalized{raw: raw, norm: minMaxValues(raw)}
}

func minMaxValues(raw []float64) []float64 {
	if len(raw) == 0 {
		return nil
	}
	lo, hi := raw[0], raw[0]
	for _, v := range raw {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	norm := make([]float64, len(raw))
	if hi == lo {
		return norm
	}
	for i, v := range raw {
		norm[i] = (v - lo) / (hi - lo)
	}
	return norm
}

func addFeature(candidates []candidate, name string, weight float64, values normalized) {
	if weight == 0 {
		return
	}
	for i := range candidates {
		candidates[i].factors = append(candidates[i].factors, models.Factor{
			Name:         name,
			Weight:       weight,
			Raw:          values.raw[i],
			Normalized:   values.norm[i],
			Contribution: weight * values.norm[i],
		})
	}
}

// topK sorts candidates into a total order and takes the first k. Ties on
// score fall back to the higher raw count, then to the lower entity id, so
// identical input always produces identical output.
func topK(candidates []candidate, k int) []models.ScoreEntry {
	entries := make([]models.ScoreEntry, len(candidates))
	for i, c := range candidates {
		score := 0.0
		for _, f := range c.factors {
			score += f.Contribution
		}
		entries[i] = models.ScoreEntry{EntityID: c.id, Score: score, Factors: c.factors}
	}

	tieRaw := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		tieRaw[c.id] = c.tieRaw
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		ri, rj := tieRaw[entries[i].EntityID], tieRaw[entries[j].EntityID]
		if ri != rj {
			return ri > rj
		}
		return entries[i].EntityID < entries[j].EntityID
	})

	if k < len(entries) {
		entries = entries[:k]
	}
	return entries
}
