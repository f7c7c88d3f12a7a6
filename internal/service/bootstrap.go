package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/identity"
	"github.com/opensource-finance/couponguard/internal/learning"
	"github.com/opensource-finance/couponguard/internal/rules"
	"github.com/opensource-finance/couponguard/internal/scoring"
)

// Backends are the optional external stores of a service.
type Backends struct {
	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus
}

// Bootstrap assembles the scoring and learning pipeline and restores its
// state from the repository: expression rules, weights, applied feedback,
// proposed candidates, vendor blacklist extensions and identity history.
func Bootstrap(ctx context.Context, cfg *domain.Config, b Backends) (*Service, error) {
	index := identity.NewIndex(cfg.Scoring.BlacklistedVendors)

	engine, err := rules.NewEngine(cfg.Scoring.DiscountCeiling)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression engine: %w", err)
	}
	catalog := rules.NewCatalog(engine, cfg.Scoring.ExpressionConfidence, rules.Builtins(cfg.Scoring)...)

	if b.Repo != nil {
		configs, err := b.Repo.ListRuleConfigs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list rules: %w", err)
		}
		if err := catalog.ReloadExpressions(configs); err != nil {
			slog.Error("stored expression rules rejected, running built-in rules only", "error", err)
		}
	}

	state := learning.NewState(catalog.Names(), cfg.Scoring.InitialWeights)
	if b.Repo != nil {
		weights, version, err := b.Repo.LoadWeights(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
		if len(weights) > 0 {
			state.Restore(weights, version)
			state.Ensure(catalog.Names())
			slog.Info("weights restored", "rules", len(weights), "version", version)
		}
	}

	suggester := learning.NewSuggester(cfg.Learning, cfg.Scoring.MinContribution, engine)
	opts := learning.Options{Bus: b.Bus, Suggester: suggester}
	if b.Repo != nil {
		opts.Store = b.Repo
	}
	updater := learning.NewUpdater(state, catalog, cfg.Learning, opts)

	if b.Repo != nil {
		if err := restore(ctx, cfg, b.Repo, index, updater, suggester); err != nil {
			return nil, err
		}
	}

	return New(Deps{
		Index:      index,
		Catalog:    catalog,
		Aggregator: scoring.NewAggregator(index, catalog, state, cfg.Scoring),
		Updater:    updater,
		Buffer:     learning.NewBuffer(updater, cfg.Learning.BatchSize),
		Repo:       b.Repo,
		Cache:      b.Cache,
		Bus:        b.Bus,
		Config:     cfg,
	}), nil
}

func restore(ctx context.Context, cfg *domain.Config, repo domain.Repository, index *identity.Index, updater *learning.Updater, suggester *learning.Suggester) error {
	since := time.Time{}
	if cfg.Learning.FeedbackLookback > 0 {
		since = time.Now().Add(-cfg.Learning.FeedbackLookback)
	}
	history, err := repo.ListFeedback(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load feedback history: %w", err)
	}
	updater.LoadHistory(history)

	candidates, err := repo.ListCandidates(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load candidate rules: %w", err)
	}
	suggester.LoadKnown(candidates)

	vendors, err := index.LoadVendors(ctx, repo)
	if err != nil {
		return err
	}

	replayed, err := index.Replay(ctx, repo, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to replay identity history: %w", err)
	}

	slog.Info("state restored",
		"feedback", len(history),
		"candidates", len(candidates),
		"vendors", vendors,
		"transactions", replayed,
	)
	return nil
}
