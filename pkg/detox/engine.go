package detox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dynamo/pkg/deletion"
	"dynamo/pkg/inventory"
	"dynamo/pkg/metrics"
	"dynamo/pkg/policy"
	"dynamo/pkg/shared"
)

// Options wires the collaborators of an Engine. Only Inventory is required.
type Options struct {
	Inventory *inventory.Inventory
	Executor  deletion.Interface
	History   History
	Metrics   *metrics.Metrics
	Retry     shared.RetryConfig
	Logger    *zap.Logger
	Now       func() time.Time
}

// Engine applies detox policies to the inventory.
type Engine struct {
	config   Config
	inv      *inventory.Inventory
	executor deletion.Interface
	history  History
	metrics  *metrics.Metrics
	retrier  *shared.Retrier
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(config Config, opts Options) (*Engine, error) {
	if opts.Inventory == nil {
		return nil, errors.New("detox engine needs an inventory")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = shared.DefaultRetryConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	retrier := shared.NewRetrier(opts.Retry, logger)
	if opts.Metrics != nil {
		m := opts.Metrics
		retrier.OnRetry = func(op string) { m.RetryAttempts.WithLabelValues(op).Inc() }
	}
	return &Engine{
		config:   config,
		inv:      opts.Inventory,
		executor: opts.Executor,
		history:  opts.History,
		metrics:  opts.Metrics,
		retrier:  retrier,
		logger:   logger.With(zap.String("component", "detox")),
		now:      opts.Now,
	}, nil
}

// entry is a dataset replica of the working set, restricted to the blocks
// still awaiting a decision.
type entry struct {
	replica *inventory.DatasetReplica
	site    *siteRun
	blocks  []*inventory.BlockReplica
	line    *policy.Line
	removed bool
}

func (en *entry) target() *policy.Target {
	return &policy.Target{Site: en.site.state, Replica: en.replica, Blocks: en.blocks}
}

type siteRun struct {
	state      *policy.SiteState
	triggered  bool
	candidates []*entry
}

func (s *siteRun) name() string { return s.state.Site.Name }

// pending is one deletion applied to the graph and not yet committed.
type pending struct {
	request deletion.Request
	removed []inventory.Entity
	restore []inventory.Entity
}

type run struct {
	*Engine
	pol     *policy.Policy
	record  *Record
	sites   []*siteRun
	working []*entry
	pending []*pending
	rng     *rand.Rand
	round   int
}

// Run applies pol to its partition. The inventory stays locked for the whole
// run. Decisions are recorded to the history before any deletion is handed
// to the executor.
func (e *Engine) Run(ctx context.Context, pol *policy.Policy) (rec *Record, err error) {
	if e.inv.Partition(pol.Partition) == nil {
		return nil, &policy.ConfigurationError{Msg: fmt.Sprintf("unknown partition %s", pol.Partition)}
	}

	ctx, err = e.inv.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Append(err, e.inv.Unlock(ctx))
		e.observeRun(pol.Partition, rec, err)
	}()

	seed := e.config.Seed
	if seed == 0 {
		seed = e.now().UnixNano()
	}
	r := &run{
		Engine: e,
		pol:    pol,
		rng:    rand.New(rand.NewSource(seed)),
		record: &Record{
			RunID:     uuid.NewString(),
			Partition: pol.Partition,
			Policy:    pol.Text,
			Mode:      e.config.Mode,
			DryRun:    e.config.DryRun,
			Started:   e.now().UTC(),
		},
	}
	pol.ResetCounters()

	logger := e.logger.With(zap.String("run", r.record.RunID), zap.String("partition", pol.Partition))
	logger.Info("Starting detox run",
		zap.String("mode", string(e.config.Mode)),
		zap.Bool("dry_run", e.config.DryRun))

	r.collect()
	if err := r.iterate(ctx); err != nil {
		if rerr := r.restore(ctx); rerr != nil {
			logger.Error("Failed to restore inventory after aborted run", zap.Error(rerr))
		}
		return nil, err
	}
	r.finish(logger)

	if err := r.commit(ctx); err != nil {
		return r.record, err
	}

	logger.Info("Detox run finished",
		zap.Int("rounds", r.record.Rounds),
		zap.Int("deleted", r.record.Count(DecisionDelete)),
		zap.Int("protected", r.record.Count(DecisionProtect)),
		zap.Int("kept", r.record.Count(DecisionKeep)),
		zap.Int64("deleted_bytes", r.record.DeletedBytes()))
	return r.record, nil
}

// collect builds the site states and the working set from the replicas at
// the triggered target sites.
func (r *run) collect() {
	for _, site := range r.inv.Sites() {
		sp := site.Partition(r.pol.Partition)
		if sp == nil {
			continue
		}
		sr := &siteRun{state: &policy.SiteState{Site: site, Partition: sp}}
		if !r.pol.TargetsSite(sr.state) {
			continue
		}
		sr.triggered = r.pol.Triggered(sr.state)
		r.sites = append(r.sites, sr)
		r.record.SitesBefore = append(r.record.SitesBefore, sr.snapshot())
		if !sr.triggered {
			continue
		}
		for _, rep := range sp.Replicas() {
			blocks, _ := sp.BlockReplicas(rep)
			if len(blocks) == 0 {
				continue
			}
			en := &entry{replica: rep, site: sr, blocks: blocks}
			r.working = append(r.working, en)
			r.record.Replicas = append(r.record.Replicas, ReplicaSnapshot{
				Dataset: rep.Dataset.Name(),
				Site:    site.Name,
				Size:    en.target().Size(),
				Blocks:  len(blocks),
			})
		}
	}
}

func (s *siteRun) snapshot() SiteSnapshot {
	return SiteSnapshot{
		Site:      s.name(),
		Quota:     s.state.Partition.Quota,
		Used:      s.state.Partition.Used(true),
		Occupancy: s.state.Occupancy(),
		Protected: s.state.Protected,
		Triggered: s.triggered,
	}
}

// iterate runs evaluation and deletion rounds until no site has candidates
// left or every site is satisfied.
func (r *run) iterate(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.classify(ctx); err != nil {
			return err
		}
		sites := r.candidateSites()
		if len(sites) == 0 {
			return nil
		}

		if r.config.Mode == ModeStatic {
			for _, sr := range sites {
				if err := r.deleteCandidates(ctx, sr); err != nil {
					return err
				}
			}
			r.round++
			return nil
		}

		if err := r.deleteCandidates(ctx, r.selectSite(sites)); err != nil {
			return err
		}
		r.round++
	}
}

// evaluate runs the policy over the working set in parallel.
func (r *run) evaluate(ctx context.Context) ([][]policy.Result, error) {
	start := time.Now()
	results := make([][]policy.Result, len(r.working))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)
	for i, en := range r.working {
		i, t := i, en.target()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.pol.Evaluate(t)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.EvaluationLatency.Observe(time.Since(start).Seconds())
	}
	return results, nil
}

// classify evaluates the working set and applies the decisions. Protected
// and deleted blocks leave the working set; dismissed blocks stay and
// become candidates while their site is not satisfied.
func (r *run) classify(ctx context.Context) error {
	results, err := r.evaluate(ctx)
	if err != nil {
		return err
	}

	var next []*entry
	for i, en := range r.working {
		var dismissed []*inventory.BlockReplica
		var dismissLine *policy.Line
		for _, res := range results[i] {
			switch res.Decision.Action {
			case policy.Protect:
				r.protect(en, res)
			case policy.Delete:
				if err := r.remove(ctx, en, res.Blocks, res.Line); err != nil {
					return err
				}
			case policy.Dismiss:
				dismissed = append(dismissed, res.Blocks...)
				if dismissLine == nil {
					dismissLine = res.Line
				}
			}
		}
		if len(dismissed) == 0 {
			continue
		}
		en.blocks = dismissed
		en.line = dismissLine
		next = append(next, en)
	}
	r.working = next

	for _, sr := range r.sites {
		sr.candidates = nil
	}
	for _, en := range r.working {
		if !r.pol.Satisfied(en.site.state) {
			en.site.candidates = append(en.site.candidates, en)
		}
	}
	return nil
}

func (r *run) candidateSites() []*siteRun {
	var out []*siteRun
	for _, sr := range r.sites {
		if len(sr.candidates) > 0 && !r.pol.Satisfied(sr.state) {
			out = append(out, sr)
		}
	}
	return out
}

// selectSite picks the site of the next iterative round.
func (r *run) selectSite(sites []*siteRun) *siteRun {
	if r.config.SiteSelection == SelectProtectedFraction {
		var best *siteRun
		bestFraction := 0.0
		for _, sr := range sites {
			if f := sr.state.ProtectedFraction(); f > bestFraction {
				best, bestFraction = sr, f
			}
		}
		if best != nil {
			return best
		}
	}
	return sites[r.rng.Intn(len(sites))]
}

// deleteCandidates deletes candidates of the site in policy order until the
// site is satisfied or the per-iteration volume is reached.
func (r *run) deleteCandidates(ctx context.Context, sr *siteRun) error {
	candidates := append([]*entry(nil), sr.candidates...)
	sort.SliceStable(candidates, func(i, j int) bool {
		return r.pol.Less(candidates[i].target(), candidates[j].target())
	})

	var volume int64
	for _, en := range candidates {
		if r.pol.Satisfied(sr.state) {
			break
		}
		volume += en.target().Size()
		if err := r.remove(ctx, en, en.blocks, en.line); err != nil {
			return err
		}
		en.removed = true
		if r.config.DeletionPerIteration > 0 && volume >= r.config.DeletionPerIteration {
			break
		}
	}
	sr.candidates = nil

	kept := r.working[:0]
	for _, en := range r.working {
		if !en.removed {
			kept = append(kept, en)
		}
	}
	r.working = kept
	return nil
}

func (r *run) protect(en *entry, res policy.Result) {
	var size int64
	for _, br := range res.Blocks {
		size += br.Size
	}
	en.site.state.Protected += size
	r.decide(en, res.Line, DecisionProtect, res.Decision.Block, res.Blocks, size)
}

// remove unlinks blocks of the entry replica from the graph and queues the
// deletion. The whole replica goes when blocks covers all of it.
func (r *run) remove(ctx context.Context, en *entry, blocks []*inventory.BlockReplica, line *policy.Line) error {
	rep := en.replica
	p := &pending{request: deletion.Request{Replica: rep}}
	var size int64
	for _, br := range blocks {
		size += br.Size
	}

	whole := len(blocks) == rep.NumBlockReplicas()
	if whole {
		if ds := rep.Dataset.Get(); ds.NumReplicas() == 1 {
			p.restore = append(p.restore, ds.Clone())
			for _, b := range ds.Blocks() {
				p.restore = append(p.restore, b.Clone())
			}
		}
		p.restore = append(p.restore, rep.CloneWithBlocks())
		removed, err := r.inv.Unlink(ctx, rep)
		if err != nil {
			return err
		}
		p.removed = append(p.removed, removed)
	} else {
		p.request.Blocks = blocks
		for _, br := range blocks {
			p.restore = append(p.restore, br.Clone())
			removed, err := r.inv.Unlink(ctx, br)
			if err != nil {
				return err
			}
			p.removed = append(p.removed, removed)
		}
	}
	r.pending = append(r.pending, p)
	r.decide(en, line, DecisionDelete, !whole, blocks, size)
	if r.metrics != nil {
		r.metrics.DetoxDeletedBytes.WithLabelValues(r.pol.Partition, en.site.name()).Add(float64(size))
	}
	return nil
}

func (r *run) decide(en *entry, line *policy.Line, decision string, partial bool, blocks []*inventory.BlockReplica, size int64) {
	d := ReplicaDecision{
		Dataset:  en.replica.Dataset.Name(),
		Site:     en.site.name(),
		Decision: decision,
		Size:     size,
		Round:    r.round,
	}
	if line != nil {
		d.Line = line.Number
		d.Reason = line.Text
	}
	if partial {
		for _, br := range blocks {
			d.Blocks = append(d.Blocks, br.BlockName().String())
		}
	}
	r.record.Decisions = append(r.record.Decisions, d)
	if r.metrics != nil {
		r.metrics.DetoxDecisions.WithLabelValues(r.pol.Partition, decision).Inc()
	}
}

// finish records the kept replicas, the final site states and the lines
// that never matched.
func (r *run) finish(logger *zap.Logger) {
	for _, en := range r.working {
		var size int64
		for _, br := range en.blocks {
			size += br.Size
		}
		partial := true
		if sp := en.site.state.Partition; sp != nil {
			all, _ := sp.BlockReplicas(en.replica)
			partial = len(all) != len(en.blocks)
		}
		r.decide(en, en.line, DecisionKeep, partial, en.blocks, size)
	}

	for _, sr := range r.sites {
		r.record.SitesAfter = append(r.record.SitesAfter, sr.snapshot())
	}

	unmatched := r.pol.UnmatchedLines()
	for _, line := range unmatched {
		logger.Warn("Policy line never matched", zap.Int("line", line.Number), zap.String("text", line.Text))
		r.record.Warnings = append(r.record.Warnings, fmt.Sprintf("line %d never matched: %s", line.Number, line.Text))
	}
	if r.metrics != nil {
		r.metrics.UnmatchedLines.WithLabelValues(r.pol.Partition).Set(float64(len(unmatched)))
	}
	r.record.Rounds = r.round
	r.record.Finished = r.now().UTC()
}

// commit saves the record and hands the deletions to the executor and the
// store. A dry run restores the graph instead.
func (r *run) commit(ctx context.Context) error {
	if r.history != nil {
		if err := r.retrier.Do(ctx, "save detox record", func(ctx context.Context) error {
			return saveRecord(ctx, r.history, r.record)
		}); err != nil {
			if rerr := r.restore(ctx); rerr != nil {
				r.logger.Error("Failed to restore inventory", zap.Error(rerr))
			}
			return err
		}
	}

	if r.config.DryRun {
		return r.restore(ctx)
	}
	if len(r.pending) == 0 {
		return nil
	}

	if r.executor != nil {
		requests := make([]deletion.Request, 0, len(r.pending))
		for _, p := range r.pending {
			requests = append(requests, p.request)
		}
		var operations map[string]*deletion.Status
		err := r.retrier.Do(ctx, "schedule deletions", func(ctx context.Context) error {
			var err error
			operations, err = r.executor.Schedule(ctx, requests)
			return err
		})
		if err != nil {
			if rerr := r.restore(ctx); rerr != nil {
				r.logger.Error("Failed to restore inventory", zap.Error(rerr))
			}
			return err
		}
		for id := range operations {
			r.record.Operations = append(r.record.Operations, id)
		}
		sort.Strings(r.record.Operations)
		if r.history != nil && len(r.record.Operations) > 0 {
			if err := saveRecord(ctx, r.history, r.record); err != nil {
				r.logger.Warn("Failed to save deletion operations", zap.Error(err))
			}
		}
	}

	store := r.inv.Store()
	if store == nil {
		return nil
	}
	for _, p := range r.pending {
		for _, removed := range p.removed {
			removed := removed
			err := r.retrier.Do(ctx, "delete "+removed.Kind(), func(ctx context.Context) error {
				return removed.DeleteFrom(ctx, store)
			})
			if err != nil {
				return fmt.Errorf("delete %s %s: %w", removed.Kind(), removed.Key(), err)
			}
		}
	}
	return nil
}

// restore re-embeds everything the run unlinked, latest deletion first.
func (r *run) restore(ctx context.Context) error {
	var errs error
	for i := len(r.pending) - 1; i >= 0; i-- {
		for _, e := range r.pending[i].restore {
			if _, _, err := r.inv.Embed(ctx, e, false); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("restore %s %s: %w", e.Kind(), e.Key(), err))
			}
		}
	}
	r.pending = nil
	return errs
}

func (e *Engine) observeRun(partition string, rec *Record, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.metrics.DetoxRuns.WithLabelValues(partition, outcome).Inc()
	if rec == nil {
		return
	}
	e.metrics.DetoxRounds.WithLabelValues(partition).Add(float64(rec.Rounds))
	for _, s := range rec.SitesAfter {
		e.metrics.ObserveSite(s.Site, partition, s.Quota, s.Occupancy)
	}
}
