package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birdseye/api"
	"birdseye/archive"
	"birdseye/checkpoint"
	"birdseye/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(filepath.Join(t.TempDir(), "cache.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testModel(t *testing.T) *archive.Model {
	t.Helper()
	m, err := archive.Build(map[string][]byte{
		archive.SectionAccount: []byte(`window.YTD.account.part0 = [{"account": {"accountId": "42", "username": "jay"}}]`),
		archive.SectionPosts: []byte(`window.YTD.tweets.part0 = [
			{"tweet": {"id_str": "100", "full_text": "a", "favorite_count": "10"}},
			{"tweet": {"id_str": "101", "full_text": "b", "favorite_count": "3"}}
		]`),
		archive.SectionFollowers: []byte(`window.YTD.follower.part0 = [{"follower": {"accountId": "7"}}]`),
	}, testLogger())
	require.NoError(t, err)
	return m
}

// quotaHeaders keeps the adaptive limiter fast during tests.
func quotaHeaders(w http.ResponseWriter) {
	w.Header().Set("x-rate-limit-limit", "1000")
	w.Header().Set("x-rate-limit-remaining", "1000")
	w.Header().Set("x-rate-limit-reset", strconv.FormatInt(time.Now().Add(10*time.Second).Unix(), 10))
}

func userPage(id, next string) string {
	body := fmt.Sprintf(`{"data": [{"id": %q, "username": "u%s", "verified": true, "public_metrics": {"followers_count": 100, "following_count": 5}}], "meta": {"result_count": 1`, id, id)
	if next != "" {
		body += fmt.Sprintf(`, "next_token": %q`, next)
	}
	return body + `}}`
}

func TestEnrichMergesAllResources(t *testing.T) {
	followerPages := map[string]string{"": "p2", "p2": ""}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w)
		switch {
		case strings.HasSuffix(r.URL.Path, "/followers"):
			cursor := r.URL.Query().Get("pagination_token")
			id := "7"
			if cursor != "" {
				id = "8"
			}
			fmt.Fprint(w, userPage(id, followerPages[cursor]))
		case strings.HasSuffix(r.URL.Path, "/following"):
			fmt.Fprint(w, userPage("9", ""))
		case r.URL.Path == "/2/tweets":
			fmt.Fprint(w, `{"data": [{"id": "100", "public_metrics": {"like_count": 50, "retweet_count": 2, "quote_count": 1, "reply_count": 4}}],
				"errors": [{"value": "101", "title": "Not Found Error"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	model := testModel(t)
	store := testStore(t)
	client := api.NewClient(server.URL, "token", time.Second, 2, testLogger())
	enricher := NewEnricher(client, store, 3, testLogger())

	report := enricher.Enrich(context.Background(), model, 0)

	assert.Empty(t, report.Errors)
	assert.Equal(t, models.ResourceFull, report.Statuses["followers"])
	assert.Equal(t, models.ResourceFull, report.Statuses["following"])
	assert.Equal(t, models.ResourceFull, report.Statuses["post-metrics"])

	accounts := map[string]*models.Account{}
	for _, a := range model.Accounts() {
		accounts[a.ID] = a
	}
	require.Contains(t, accounts, "7")
	assert.Equal(t, "u7", accounts["7"].Handle)
	followers, ok := accounts["7"].Followers()
	assert.True(t, ok)
	assert.Equal(t, 100, followers)
	assert.Equal(t, models.RelationFollowsUser, accounts["7"].Relation)
	assert.Equal(t, models.RelationFollowedByUser, accounts["9"].Relation)

	posts := map[string]*models.Post{}
	for _, p := range model.Posts() {
		posts[p.ID] = p
	}
	// live counts win, reshares fold retweets and quotes together
	assert.Equal(t, 50, posts["100"].Favorites())
	assert.Equal(t, 3, posts["100"].Reshares())
	assert.Equal(t, 4, posts["100"].Replies())
	assert.True(t, posts["101"].DeletedUpstream)

	// completed resources leave no checkpoint behind
	for _, resource := range []string{"followers", "following", "post-metrics"} {
		cp, err := store.Load(resource)
		require.NoError(t, err)
		assert.Nil(t, cp, resource)
	}
}

func TestEnrichResumesFollowersFromCheckpoint(t *testing.T) {
	// Five follower pages existed; the previous run committed pages 1-2 and
	// persisted cursor p3. The rerun must request only pages 3-5.
	next := map[string]string{"p3": "p4", "p4": "p5", "p5": ""}
	var followerTokens []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w)
		switch {
		case strings.HasSuffix(r.URL.Path, "/followers"):
			cursor := r.URL.Query().Get("pagination_token")
			followerTokens = append(followerTokens, cursor)
			fmt.Fprint(w, userPage("7", next[cursor]))
		case strings.HasSuffix(r.URL.Path, "/following"):
			fmt.Fprint(w, userPage("9", ""))
		case r.URL.Path == "/2/tweets":
			fmt.Fprint(w, `{"data": []}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	model := testModel(t)
	store := testStore(t)
	require.NoError(t, store.Save(models.FetchCheckpoint{
		Resource:  "followers",
		Cursor:    "p3",
		Sequence:  2,
		UpdatedAt: time.Now(),
	}))

	client := api.NewClient(server.URL, "token", time.Second, 2, testLogger())
	enricher := NewEnricher(client, store, 3, testLogger())

	report := enricher.Enrich(context.Background(), model, 0)

	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"p3", "p4", "p5"}, followerTokens)

	cp, err := store.Load("followers")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestEnrichFailedResourceDoesNotBlockOthers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w)
		switch {
		case strings.HasSuffix(r.URL.Path, "/followers"):
			w.WriteHeader(http.StatusInternalServerError)
		case strings.HasSuffix(r.URL.Path, "/following"):
			fmt.Fprint(w, userPage("9", ""))
		case r.URL.Path == "/2/tweets":
			fmt.Fprint(w, `{"data": [{"id": "100", "public_metrics": {"like_count": 50}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	model := testModel(t)
	store := testStore(t)
	client := api.NewClient(server.URL, "token", time.Second, 1, testLogger())
	enricher := NewEnricher(client, store, 3, testLogger())

	report := enricher.Enrich(context.Background(), model, 0)

	assert.Equal(t, models.ResourceSkipped, report.Statuses["followers"])
	assert.Equal(t, models.ResourceFull, report.Statuses["following"])
	assert.Equal(t, models.ResourceFull, report.Statuses["post-metrics"])
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "followers", report.Errors[0].Resource)
	assert.Equal(t, api.KindPermanent, api.KindOf(report.Errors[0].Err))

	// the failure did not stop the post metrics merge
	posts := model.Posts()
	assert.Equal(t, 50, posts[0].Favorites())
}

func TestEnrichCancellationStopsAtPageBoundary(t *testing.T) {
	// The context is cancelled while page two is being served. The walk must
	// abort without merging page two, report partial, and leave the page-two
	// cursor persisted so a rerun resumes there.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w)
		switch {
		case strings.HasSuffix(r.URL.Path, "/followers"):
			if r.URL.Query().Get("pagination_token") == "" {
				fmt.Fprint(w, userPage("7", "p2"))
				return
			}
			// Hold page two until the cancelled client hangs up, so it is
			// never delivered.
			cancel()
			<-r.Context().Done()
		case strings.HasSuffix(r.URL.Path, "/following"):
			fmt.Fprint(w, userPage("9", ""))
		case r.URL.Path == "/2/tweets":
			fmt.Fprint(w, `{"data": []}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	model := testModel(t)
	store := testStore(t)
	client := api.NewClient(server.URL, "token", time.Second, 2, testLogger())
	enricher := NewEnricher(client, store, 3, testLogger())

	report := enricher.Enrich(ctx, model, 0)

	assert.Equal(t, models.ResourcePartial, report.Statuses["followers"])
	errored := map[string]bool{}
	for _, re := range report.Errors {
		errored[re.Resource] = true
	}
	assert.True(t, errored["followers"])

	cp, err := store.Load("followers")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "p2", cp.Cursor)
	assert.Equal(t, 1, cp.Sequence)
}

func TestEnrichInterruptedMidResourceKeepsCheckpoint(t *testing.T) {
	// Page one succeeds, page two's request fails permanently. The resource
	// reports partial and the cursor for page two stays persisted.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w)
		switch {
		case strings.HasSuffix(r.URL.Path, "/followers"):
			if r.URL.Query().Get("pagination_token") == "" {
				fmt.Fprint(w, userPage("7", "p2"))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, "/following"):
			fmt.Fprint(w, userPage("9", ""))
		case r.URL.Path == "/2/tweets":
			fmt.Fprint(w, `{"data": []}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	model := testModel(t)
	store := testStore(t)
	client := api.NewClient(server.URL, "token", time.Second, 1, testLogger())
	enricher := NewEnricher(client, store, 3, testLogger())

	report := enricher.Enrich(context.Background(), model, 0)

	assert.Equal(t, models.ResourcePartial, report.Statuses["followers"])
	require.Len(t, report.Errors, 1)

	cp, err := store.Load("followers")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "p2", cp.Cursor)
	assert.Equal(t, 1, cp.Sequence)
}
