package enrich

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"birdseye/api"
	"birdseye/archive"
	"birdseye/checkpoint"
	"birdseye/models"
)

const (
	defaultWorkers = 3
	postBatchSize  = 100
	followPageSize = 1000

	userFields  = "username,name,verified,public_metrics"
	tweetFields = "public_metrics"
)

// ResourceError is one resource's terminal failure. Other resources keep
// going; the enricher never turns one failed resource into an all-or-nothing
// abort.
type ResourceError struct {
	Resource string
	Err      error
}

func (e ResourceError) Error() string {
	return fmt.Sprintf("resource %s: %v", e.Resource, e.Err)
}

// Report describes how far each resource got.
type Report struct {
	Statuses map[string]models.ResourceStatus
	Errors   []ResourceError
}

// Enricher drives the rate-limited client to fill in live engagement and
// account data the archive lacks, merging results into the model under the
// model's own serialization.
type Enricher struct {
	client  *api.Client
	store   *checkpoint.Store
	workers int
	log     *logrus.Logger
}

// NewEnricher creates an enricher. workers bounds how many resources are
// fetched in parallel; pages within one resource stay strictly ordered.
func NewEnricher(client *api.Client, store *checkpoint.Store, workers int, log *logrus.Logger) *Enricher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Enricher{
		client:  client,
		store:   store,
		workers: workers,
		log:     log,
	}
}

type outcome struct {
	resource string
	status   models.ResourceStatus
	err      error
}

// Enrich runs all resource fetches and reports per-resource status. window
// is the freshness window: entities with a live observation newer than it
// are not refetched. Enrich always returns a report, even when every
// resource failed.
func (e *Enricher) Enrich(ctx context.Context, model *archive.Model, window time.Duration) *Report {
	tasks := []struct {
		resource string
		run      func(context.Context) (models.ResourceStatus, error)
	}{
		{string(api.ResourceFollowers), func(ctx context.Context) (models.ResourceStatus, error) {
			return e.enrichFollowEdges(ctx, model, api.ResourceFollowers, models.RelationFollowsUser)
		}},
		{string(api.ResourceFollowing), func(ctx context.Context) (models.ResourceStatus, error) {
			return e.enrichFollowEdges(ctx, model, api.ResourceFollowing, models.RelationFollowedByUser)
		}},
		{string(api.ResourcePostMetrics), func(ctx context.Context) (models.ResourceStatus, error) {
			return e.enrichPostMetrics(ctx, model, window)
		}},
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)
	outcomes := make(chan outcome, len(tasks))

	for _, task := range tasks {
		wg.Add(1)
		go func(resource string, run func(context.Context) (models.ResourceStatus, error)) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			status, err := run(ctx)
			outcomes <- outcome{resource: resource, status: status, err: err}
		}(task.resource, task.run)
	}

	wg.Wait()
	close(outcomes)

	report := &Report{Statuses: make(map[string]models.ResourceStatus, len(tasks))}
	for o := range outcomes {
		report.Statuses[o.resource] = o.status
		if o.err != nil {
			report.Errors = append(report.Errors, ResourceError{Resource: o.resource, Err: o.err})
			e.log.WithError(o.err).WithFields(logrus.Fields{
				"resource": o.resource,
				"status":   string(o.status),
			}).Error("Resource enrichment did not complete")
		}
	}
	return report
}

// enrichFollowEdges pages through a follow list, merging each user into the
// model with the follow edge the resource implies. A persisted checkpoint
// resumes the walk at the page after the last completed one.
func (e *Enricher) enrichFollowEdges(ctx context.Context, model *archive.Model, resource api.Resource, rel models.Relationship) (models.ResourceStatus, error) {
	owner := model.Owner()
	if owner.ID == "" {
		return models.ResourceSkipped, fmt.Errorf("archive owner unknown, cannot page %s", resource)
	}

	cursor, sequence := e.loadCheckpoint(string(resource))

	path := fmt.Sprintf("/2/users/%s/%s", owner.ID, resource)
	query := url.Values{
		"user.fields": {userFields},
		"max_results": {strconv.Itoa(followPageSize)},
	}
	paginator := e.client.NewPaginator(resource, path, query, cursor)

	for !paginator.Done() {
		if err := ctx.Err(); err != nil {
			return statusAfter(sequence), err
		}

		envelope, err := paginator.Next(ctx)
		if err != nil {
			return statusAfter(sequence), err
		}
		users, err := envelope.Users()
		if err != nil {
			return statusAfter(sequence), err
		}

		now := time.Now()
		for _, u := range users {
			model.ApplyLiveAccount(archive.LiveAccount{
				ID:             u.ID,
				Handle:         u.Username,
				DisplayName:    u.Name,
				FollowerCount:  u.PublicMetrics.FollowersCount,
				FollowingCount: u.PublicMetrics.FollowingCount,
				Verified:       u.Verified,
				ObservedAt:     now,
			}, rel)
		}

		sequence++
		if err := e.commitPage(string(resource), paginator.Cursor(), sequence, paginator.Done()); err != nil {
			return statusAfter(sequence), err
		}

		e.log.WithFields(logrus.Fields{
			"resource": resource,
			"page":     sequence,
			"users":    len(users),
		}).Debug("Merged follow page into model")
	}

	return models.ResourceFull, nil
}

// enrichPostMetrics refreshes engagement counts for posts without a fresh
// live observation, batching ids per request. The resource's "cursor" is the
// offset into the stable, sorted id list, so a resume continues with the
// batch after the last committed one.
func (e *Enricher) enrichPostMetrics(ctx context.Context, model *archive.Model, window time.Duration) (models.ResourceStatus, error) {
	resource := string(api.ResourcePostMetrics)
	ids := model.PostsNeedingMetrics(window, time.Now())
	if len(ids) == 0 {
		return models.ResourceFull, nil
	}

	cursor, sequence := e.loadCheckpoint(resource)
	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err == nil && parsed > 0 && parsed <= len(ids) {
			offset = parsed
		}
	}

	for offset < len(ids) {
		if err := ctx.Err(); err != nil {
			return statusAfter(sequence), err
		}

		end := offset + postBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[offset:end]

		query := url.Values{
			"ids":          {strings.Join(batch, ",")},
			"tweet.fields": {tweetFields},
		}
		envelope, err := e.client.GetPage(ctx, api.ResourcePostMetrics, "/2/tweets", query)
		if err != nil {
			return statusAfter(sequence), err
		}
		posts, err := envelope.Posts()
		if err != nil {
			return statusAfter(sequence), err
		}

		now := time.Now()
		for _, p := range posts {
			model.ApplyLivePostCounts(p.ID, models.LiveCounts{
				Counts: models.Counts{
					Favorites: p.PublicMetrics.LikeCount,
					Reshares:  p.PublicMetrics.RetweetCount + p.PublicMetrics.QuoteCount,
					Replies:   p.PublicMetrics.ReplyCount,
				},
				ObservedAt: now,
			})
		}
		for _, missing := range envelope.MissingIDs() {
			model.MarkPostDeleted(missing)
		}

		offset = end
		sequence++
		done := offset >= len(ids)
		if err := e.commitPage(resource, strconv.Itoa(offset), sequence, done); err != nil {
			return statusAfter(sequence), err
		}

		e.log.WithFields(logrus.Fields{
			"resource": resource,
			"page":     sequence,
			"posts":    len(posts),
			"missing":  len(envelope.MissingIDs()),
		}).Debug("Merged post metrics batch into model")
	}

	return models.ResourceFull, nil
}

// loadCheckpoint returns the persisted cursor and sequence for a resource,
// or a fresh start when none exists or the store is unreadable.
func (e *Enricher) loadCheckpoint(resource string) (string, int) {
	cp, err := e.store.Load(resource)
	if err != nil {
		e.log.WithError(err).WithField("resource", resource).Warn("Could not load checkpoint, starting fresh")
		return "", 0
	}
	if cp == nil {
		return "", 0
	}
	e.log.WithFields(logrus.Fields{
		"resource": resource,
		"sequence": cp.Sequence,
	}).Info("Resuming pagination from checkpoint")
	return cp.Cursor, cp.Sequence
}

// commitPage persists the checkpoint after a completed page, or discards it
// once the resource's pagination finished.
func (e *Enricher) commitPage(resource, cursor string, sequence int, done bool) error {
	if done {
		return e.store.Clear(resource)
	}
	return e.store.Save(models.FetchCheckpoint{
		Resource:  resource,
		Cursor:    cursor,
		Sequence:  sequence,
		UpdatedAt: time.Now(),
	})
}

func statusAfter(sequence int) models.ResourceStatus {
	if sequence > 0 {
		return models.ResourcePartial
	}
	return models.ResourceSkipped
}
