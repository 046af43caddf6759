package supply

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dynamo/pkg/inventory"
	"dynamo/pkg/metrics"
	"dynamo/pkg/shared"
)

// Counts tallies the outcome of one entity kind.
type Counts struct {
	Changed   int
	Unchanged int
	Skipped   int
	Deleted   int
}

// Summary is the outcome of an update.
type Summary struct {
	Kinds map[string]*Counts
	// Errors aggregates the entities that were skipped.
	Errors error
}

func (s *Summary) counts(kind string) *Counts {
	c, ok := s.Kinds[kind]
	if !ok {
		c = &Counts{}
		s.Kinds[kind] = c
	}
	return c
}

// Total sums the counts of every kind.
func (s *Summary) Total() Counts {
	var t Counts
	for _, c := range s.Kinds {
		t.Changed += c.Changed
		t.Unchanged += c.Unchanged
		t.Skipped += c.Skipped
		t.Deleted += c.Deleted
	}
	return t
}

// SortedKinds returns the kinds in the summary in a stable order.
func (s *Summary) SortedKinds() []string {
	kinds := make([]string, 0, len(s.Kinds))
	for kind := range s.Kinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

type UpdaterOptions struct {
	Metrics *metrics.Metrics
	Retry   shared.RetryConfig
	Logger  *zap.Logger
}

// Updater merges the output of suppliers into an inventory.
type Updater struct {
	inv     *inventory.Inventory
	metrics *metrics.Metrics
	retrier *shared.Retrier
	logger  *zap.Logger
}

func NewUpdater(inv *inventory.Inventory, opts UpdaterOptions) *Updater {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = shared.DefaultRetryConfig()
	}
	u := &Updater{
		inv:     inv,
		metrics: opts.Metrics,
		retrier: shared.NewRetrier(retry, logger),
		logger:  logger.With(zap.String("component", "updater")),
	}
	if u.metrics != nil {
		u.retrier.OnRetry = func(operation string) {
			u.metrics.RetryAttempts.WithLabelValues(operation).Inc()
		}
	}
	return u
}

// Update fetches every supplier and applies its batch while holding the
// inventory lock. Entities that cannot be merged are skipped; a fetch or
// store failure aborts the update.
func (u *Updater) Update(ctx context.Context, suppliers ...Supplier) (*Summary, error) {
	ctx, err := u.inv.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := u.inv.Unlock(ctx); uerr != nil {
			u.logger.Error("Failed to release inventory lock", zap.Error(uerr))
		}
	}()

	summary := &Summary{Kinds: make(map[string]*Counts)}
	for _, s := range suppliers {
		var batch *Batch
		err := u.retrier.Do(ctx, "supply.fetch", func(ctx context.Context) error {
			var ferr error
			batch, ferr = s.Fetch(ctx)
			return ferr
		})
		if err != nil {
			return summary, fmt.Errorf("supplier %s: %w", s.Name(), err)
		}
		u.logger.Info("Applying supplier batch",
			zap.String("supplier", s.Name()),
			zap.Int("updates", len(batch.Updates)),
			zap.Int("deletions", len(batch.Deletions)))

		if err := u.apply(ctx, batch, summary); err != nil {
			return summary, fmt.Errorf("supplier %s: %w", s.Name(), err)
		}
	}

	total := summary.Total()
	u.logger.Info("Inventory update finished",
		zap.Int("changed", total.Changed),
		zap.Int("unchanged", total.Unchanged),
		zap.Int("skipped", total.Skipped),
		zap.Int("deleted", total.Deleted))
	return summary, nil
}

func (u *Updater) apply(ctx context.Context, batch *Batch, summary *Summary) error {
	for _, run := range byKind(batch.Updates) {
		res, err := u.inv.UpdateBatch(ctx, run)
		if res != nil {
			kind := run[0].Kind()
			c := summary.counts(kind)
			c.Changed += res.Changed
			c.Unchanged += res.Unchanged
			c.Skipped += res.Skipped
			summary.Errors = multierr.Append(summary.Errors, res.Errors)
			if u.metrics != nil {
				u.metrics.EntitiesChanged.WithLabelValues(kind).Add(float64(res.Changed))
				u.metrics.EntitiesUnchanged.WithLabelValues(kind).Add(float64(res.Unchanged))
				u.metrics.EntitiesSkipped.WithLabelValues(kind).Add(float64(res.Skipped))
			}
		}
		if err != nil {
			return err
		}
	}

	for _, run := range byKind(batch.Deletions) {
		res, err := u.inv.DeleteBatch(ctx, run)
		if res != nil {
			kind := run[0].Kind()
			c := summary.counts(kind)
			c.Deleted += res.Changed
			c.Skipped += res.Skipped
			if u.metrics != nil {
				u.metrics.EntitiesDeleted.WithLabelValues(kind).Add(float64(res.Changed))
				u.metrics.EntitiesSkipped.WithLabelValues(kind).Add(float64(res.Skipped))
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// byKind splits entities into runs of the same kind, keeping their order.
func byKind(entities []inventory.Entity) [][]inventory.Entity {
	var runs [][]inventory.Entity
	for i, e := range entities {
		if i == 0 || e.Kind() != entities[i-1].Kind() {
			runs = append(runs, nil)
		}
		runs[len(runs)-1] = append(runs[len(runs)-1], e)
	}
	return runs
}
