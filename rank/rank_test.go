package rank

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdseye/models"
)

func favoritesOnlyPolicy(k int) *Policy {
	p := DefaultPolicy()
	p.K = k
	p.PostWeights = PostWeights{Favorites: 1}
	return p
}

func TestRankPostsTopKByFavorites(t *testing.T) {
	// Three posts with favorites 5/50/500 and a favorites-only policy must
	// rank [500, 50] for k=2.
	posts := []*models.Post{
		{ID: "a", Archived: models.Counts{Favorites: 5}},
		{ID: "b", Archived: models.Counts{Favorites: 50}},
		{ID: "c", Archived: models.Counts{Favorites: 500}},
	}

	entries := RankPosts(posts, favoritesOnlyPolicy(2), time.Now())

	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].EntityID)
	assert.Equal(t, "b", entries[1].EntityID)
	assert.Greater(t, entries[0].Score, entries[1].Score)
}

func TestRankPostsLiveCountsWin(t *testing.T) {
	posts := []*models.Post{
		{ID: "a", Archived: models.Counts{Favorites: 100}},
		{
			ID:       "b",
			Archived: models.Counts{Favorites: 10},
			Live:     &models.LiveCounts{Counts: models.Counts{Favorites: 500}},
		},
	}

	entries := RankPosts(posts, favoritesOnlyPolicy(2), time.Now())

	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].EntityID)
}

func TestRankPostsExplainsFactors(t *testing.T) {
	posts := []*models.Post{
		{ID: "a", Archived: models.Counts{Favorites: 10}},
		{ID: "b", Archived: models.Counts{Favorites: 20}},
	}

	entries := RankPosts(posts, favoritesOnlyPolicy(2), time.Now())

	require.Len(t, entries, 2)
	require.Len(t, entries[0].Factors, 1)
	f := entries[0].Factors[0]
	assert.Equal(t, "favorites", f.Name)
	assert.Equal(t, 1.0, f.Weight)
	assert.Equal(t, 20.0, f.Raw)
	assert.Equal(t, 1.0, f.Normalized)
	assert.Equal(t, f.Contribution, entries[0].Score)
}

func TestRankAccountsTieBreaks(t *testing.T) {
	// Verified-only weights give both accounts an identical score; the one
	// with the higher raw follower count must come first.
	policy := DefaultPolicy()
	policy.K = 3
	policy.AccountWeights = AccountWeights{Verified: 1}

	v := true
	lo, hi := 10, 1000
	accounts := []*models.Account{
		{ID: "b", Verified: &v, FollowerCount: &lo},
		{ID: "a", Verified: &v, FollowerCount: &hi},
	}

	entries := RankAccounts(accounts, policy)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Score, entries[1].Score)
	assert.Equal(t, "a", entries[0].EntityID)

	// Equal raw counts too: the lower entity id wins.
	same1, same2 := 100, 100
	accounts = []*models.Account{
		{ID: "z", Verified: &v, FollowerCount: &same1},
		{ID: "y", Verified: &v, FollowerCount: &same2},
	}
	entries = RankAccounts(accounts, policy)
	require.Len(t, entries, 2)
	assert.Equal(t, "y", entries[0].EntityID)
	assert.Equal(t, "z", entries[1].EntityID)
}

func TestRankAccountsMutualAboveOneDirectional(t *testing.T) {
	policy := DefaultPolicy()
	policy.K = 2
	policy.AccountWeights = AccountWeights{Relationship: 1}

	accounts := []*models.Account{
		{ID: "one-way", Relation: models.RelationFollowsUser},
		{ID: "mutual", Relation: models.RelationMutual},
	}

	entries := RankAccounts(accounts, policy)
	require.Len(t, entries, 2)
	assert.Equal(t, "mutual", entries[0].EntityID)
}

func TestRankIsDeterministic(t *testing.T) {
	posts := []*models.Post{
		{ID: "a", Archived: models.Counts{Favorites: 10, Reshares: 2}},
		{ID: "b", Archived: models.Counts{Favorites: 10, Reshares: 2}},
		{ID: "c", Archived: models.Counts{Favorites: 7, Replies: 9}},
	}
	policy := DefaultPolicy()
	policy.K = 3

	first := RankPosts(posts, policy, time.Unix(1700000000, 0))
	for i := 0; i < 10; i++ {
		again := RankPosts(posts, policy, time.Unix(1700000000, 0))
		assert.Equal(t, first, again)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default is valid", func(p *Policy) {}, false},
		{"zero k", func(p *Policy) { p.K = 0 }, true},
		{"negative weight", func(p *Policy) { p.PostWeights.Favorites = -1 }, true},
		{"all post weights zero", func(p *Policy) { p.PostWeights = PostWeights{} }, true},
		{"all account weights zero", func(p *Policy) { p.AccountWeights = AccountWeights{} }, true},
		{"recency weighted without half life", func(p *Policy) { p.RecencyHalfLifeDays = 0 }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			policy := DefaultPolicy()
			tc.mutate(policy)
			err := policy.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := `
k: 2
freshness_window: "48h"
post_weights:
  favorites: 1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 2, policy.K)
	assert.Equal(t, 48*time.Hour, time.Duration(policy.FreshnessWindow))
	assert.Equal(t, 1.0, policy.PostWeights.Favorites)
	// unset sections keep their defaults
	assert.Equal(t, DefaultPolicy().AccountWeights, policy.AccountWeights)
}

func TestLoadPolicyMissingFileFailsFast(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
