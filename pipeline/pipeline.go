package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"birdseye/api"
	"birdseye/archive"
	"birdseye/checkpoint"
	"birdseye/enrich"
	"birdseye/models"
	"birdseye/rank"
)

// Pipeline sequences build, enrich and rank, and always yields a report over
// whatever data was gathered. Only an unparseable archive or an invalid
// policy abort the run.
type Pipeline struct {
	client  *api.Client
	store   *checkpoint.Store
	policy  *rank.Policy
	workers int
	log     *logrus.Logger
}

// New creates a pipeline.
func New(client *api.Client, store *checkpoint.Store, policy *rank.Policy, workers int, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		client:  client,
		store:   store,
		policy:  policy,
		workers: workers,
		log:     log,
	}
}

// Run executes the whole pipeline over the raw export sections.
func (p *Pipeline) Run(ctx context.Context, sections map[string][]byte) (*models.Report, error) {
	// Fail fast on a broken policy before any fetching happens.
	if err := p.policy.Validate(); err != nil {
		return nil, err
	}

	model, err := archive.Build(sections, p.log)
	if err != nil {
		return nil, err
	}

	p.resolveOwner(ctx, model)

	enricher := enrich.NewEnricher(p.client, p.store, p.workers, p.log)
	enrichment := enricher.Enrich(ctx, model, time.Duration(p.policy.FreshnessWindow))

	now := time.Now()
	report := &models.Report{
		Owner:         model.Owner(),
		TopPosts:      rank.RankPosts(model.Posts(), p.policy, now),
		TopAccounts:   rank.RankAccounts(model.Accounts(), p.policy),
		Resources:     enrichment.Statuses,
		ParseWarnings: len(model.Warnings()),
		GeneratedAt:   now,
	}

	if err := p.store.SaveReport(report); err != nil {
		p.log.WithError(err).Error("Failed to cache report")
	}

	p.log.WithFields(logrus.Fields{
		"top_posts":       len(report.TopPosts),
		"top_accounts":    len(report.TopAccounts),
		"resource_errors": len(enrichment.Errors),
	}).Info("Pipeline run complete")

	return report, nil
}

// resolveOwner cross-checks the archive's profile section against the live
// API. Failure here is not fatal: enrichment of follow resources will report
// itself skipped if the owner stays unknown.
func (p *Pipeline) resolveOwner(ctx context.Context, model *archive.Model) {
	owner := model.Owner()
	me, err := p.client.Me(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Could not resolve authenticated user")
		return
	}
	if owner.ID != "" && owner.ID != me.ID {
		p.log.WithFields(logrus.Fields{
			"archive_id": owner.ID,
			"live_id":    me.ID,
		}).Warn("Archive owner does not match authenticated user; archive wins")
		return
	}
	if owner.ID == "" {
		model.SetOwner(models.Profile{ID: me.ID, Handle: me.Username, DisplayName: me.Name})
	}
}
