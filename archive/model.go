package archive

import (
	"sort"
	"sync"
	"time"

	"birdseye/models"
)

// Warning records one export record that could not be used.
type Warning struct {
	Section string
	Index   int
	Reason  string
}

// Model owns every Post and Account for the run. All mutation goes through
// its methods under one lock, which is the serialization point that keeps
// concurrent enrichment of different resources from interleaving a partial
// write to the same entity.
type Model struct {
	mutex sync.RWMutex

	owner    models.Profile
	posts    map[string]*models.Post
	accounts map[string]*models.Account
	warnings []Warning
}

func newModel() *Model {
	return &Model{
		posts:    make(map[string]*models.Post),
		accounts: make(map[string]*models.Account),
	}
}

// Owner returns the archive owner's profile.
func (m *Model) Owner() models.Profile {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.owner
}

// SetOwner fills in the owner profile when the export lacked an account
// section, e.g. from a live whoami lookup.
func (m *Model) SetOwner(owner models.Profile) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.owner = owner
}

// Warnings returns the records skipped during parsing.
func (m *Model) Warnings() []Warning {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]Warning, len(m.warnings))
	copy(out, m.warnings)
	return out
}

func (m *Model) addWarning(w Warning) {
	m.warnings = append(m.warnings, w)
}

// Posts returns all posts in id order. Callers must treat the entries as
// read-only; mutation goes through the Apply/Mark methods.
func (m *Model) Posts() []*models.Post {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]*models.Post, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Accounts returns all accounts in id order.
func (m *Model) Accounts() []*models.Account {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]*models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PostsNeedingMetrics returns the ids of posts with no live observation, or
// whose observation is older than the freshness window. A zero window means
// any live observation is fresh enough. Ids come back sorted so pagination
// over them is stable across runs.
func (m *Model) PostsNeedingMetrics(window time.Duration, now time.Time) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ids := make([]string, 0, len(m.posts))
	for id, p := range m.posts {
		if p.Live != nil {
			if window <= 0 || now.Sub(p.Live.ObservedAt) <= window {
				continue
			}
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mergeArchivedPost applies a parsed export record, last record wins for
// every field it actually carried.
func (m *Model) mergeArchivedPost(r parsedPost) {
	existing, ok := m.posts[r.id]
	if !ok {
		existing = &models.Post{ID: r.id}
		m.posts[r.id] = existing
	}
	if r.text.set {
		existing.Text = r.text.val
		existing.IsReshare = isReshareText(r.text.val)
	}
	if r.createdAt.set {
		existing.CreatedAt = r.createdAt.val
	}
	if r.favorites.set {
		existing.Archived.Favorites = r.favorites.val
	}
	if r.reshares.set {
		existing.Archived.Reshares = r.reshares.val
	}
	if r.replies.set {
		existing.Archived.Replies = r.replies.val
	}
	if r.inReplyTo.set {
		existing.IsReply = r.inReplyTo.val != ""
	}
	if existing.AuthorID == "" {
		existing.AuthorID = m.owner.ID
	}
}

// addRelation records a follow edge for an account, creating the account on
// first sight and upgrading to mutual when both edges have been seen.
func (m *Model) addRelation(id string, rel models.Relationship) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.addRelationLocked(id, rel)
}

func (m *Model) addRelationLocked(id string, rel models.Relationship) {
	a, ok := m.accounts[id]
	if !ok {
		a = &models.Account{ID: id, Relation: rel}
		m.accounts[id] = a
		return
	}
	if a.Relation == rel || a.Relation == models.RelationMutual || rel == models.RelationNone {
		return
	}
	if a.Relation == models.RelationNone {
		a.Relation = rel
		return
	}
	a.Relation = models.RelationMutual
}

// LiveAccount is a live API observation of one account.
type LiveAccount struct {
	ID             string
	Handle         string
	DisplayName    string
	FollowerCount  int
	FollowingCount int
	Verified       bool
	ObservedAt     time.Time
}

// ApplyLiveAccount merges a live observation. Counts and the verified flag
// always overwrite; handle and display name only fill gaps, the archive
// snapshot stays authoritative for identity fields it provided.
func (m *Model) ApplyLiveAccount(obs LiveAccount, rel models.Relationship) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.addRelationLocked(obs.ID, rel)
	a := m.accounts[obs.ID]

	if a.Handle == "" {
		a.Handle = obs.Handle
	}
	if a.DisplayName == "" {
		a.DisplayName = obs.DisplayName
	}
	followers := obs.FollowerCount
	following := obs.FollowingCount
	verified := obs.Verified
	a.FollowerCount = &followers
	a.FollowingCount = &following
	a.Verified = &verified
	a.LiveObservedAt = obs.ObservedAt
}

// ApplyLivePostCounts merges a live engagement observation for a post. Live
// always wins over archived counts; the archived text is never touched.
// Observations for unknown post ids are dropped.
func (m *Model) ApplyLivePostCounts(id string, counts models.LiveCounts) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return
	}
	c := counts
	p.Live = &c
	p.DeletedUpstream = false
}

// MarkPostDeleted flags a post the live API no longer returns.
func (m *Model) MarkPostDeleted(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.posts[id]; ok {
		p.DeletedUpstream = true
	}
}
