package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/fixfactory/internal/admission"
	"github.com/lucasnoah/fixfactory/internal/config"
	"github.com/lucasnoah/fixfactory/internal/coord"
	"github.com/lucasnoah/fixfactory/internal/metrics"
	"github.com/lucasnoah/fixfactory/internal/orchestrator"
	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/retry"
	"github.com/lucasnoah/fixfactory/internal/store"
)

// Executor runs one pipeline attempt. Satisfied by the orchestrator.
type Executor interface {
	Execute(ctx context.Context, runKey string, opts orchestrator.ExecuteOpts) (*orchestrator.Result, error)
}

// Dispatcher owns the attempt queue: webhook intake, the guard chain in
// front of each attempt, and retry scheduling with backoff. Attempts
// deferred by locks or rate limits are rescheduled, never dropped, and
// do not consume the run's attempt budget.
type Dispatcher struct {
	store *store.Store
	admit *admission.Control
	gate  *coord.Gate
	exec  Executor
	cfg   config.Factory
	log   *zap.Logger

	queue chan string
	wg    sync.WaitGroup

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool

	now func() time.Time
}

// Opts bundles the dispatcher's collaborators.
type Opts struct {
	Store     *store.Store
	Admission *admission.Control
	Gate      *coord.Gate
	Executor  Executor
	Config    config.Factory
	Log       *zap.Logger
}

// New creates a stopped Dispatcher.
func New(o Opts) *Dispatcher {
	return &Dispatcher{
		store:  o.Store,
		admit:  o.Admission,
		gate:   o.Gate,
		exec:   o.Executor,
		cfg:    o.Config,
		log:    o.Log,
		queue:  make(chan string, 256),
		timers: map[*time.Timer]struct{}{},
		now:    time.Now,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	workers := d.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case runKey := <-d.queue:
					d.runAttempt(ctx, runKey)
				}
			}
		}()
	}
}

// Stop cancels pending timers and waits for in-flight attempts.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.closed = true
	for t := range d.timers {
		t.Stop()
	}
	d.timers = map[*time.Timer]struct{}{}
	d.mu.Unlock()
	d.wg.Wait()
}

// Disposition describes what intake did with a webhook.
type Disposition string

const (
	DispositionAdmitted    Disposition = "admitted"
	DispositionDuplicate   Disposition = "duplicate"
	DispositionRateLimited Disposition = "rate_limited"
)

// IngestResult reports webhook intake back to the transport layer.
type IngestResult struct {
	Disposition Disposition
	RunKey      string
	RetryAfter  time.Duration
}

// Ingest admits a failure event and queues its run. Rate-limited events
// are deferred for the window's remainder rather than rejected.
func (d *Dispatcher) Ingest(ctx context.Context, ev pipeline.FailureEvent) (IngestResult, error) {
	disp, err := d.admit.AdmitWebhook(ev)
	if err != nil {
		return IngestResult{}, err
	}
	if disp == admission.DispositionDuplicate {
		metrics.WebhookDeliveries.WithLabelValues(string(DispositionDuplicate)).Inc()
		return IngestResult{Disposition: DispositionDuplicate}, nil
	}

	run, _, err := d.admit.AdmitRun(ev)
	if err != nil {
		return IngestResult{}, err
	}
	metrics.WebhookDeliveries.WithLabelValues(string(DispositionAdmitted)).Inc()

	rate := d.gate.CheckRateLimit(ctx, ev.Repo, d.cfg.RepoWebhookRateLimitPerMinute, time.Minute)
	if !rate.Allowed {
		metrics.Throttled.WithLabelValues("rate_limit").Inc()
		d.log.Info("repo rate limited, deferring run",
			zap.String("repo", ev.Repo),
			zap.String("run_key", run.RunKey),
			zap.Duration("retry_after", rate.RetryAfter))
		d.SubmitAfter(run.RunKey, rate.RetryAfter)
		return IngestResult{Disposition: DispositionRateLimited, RunKey: run.RunKey, RetryAfter: rate.RetryAfter}, nil
	}

	d.Submit(run.RunKey)
	return IngestResult{Disposition: DispositionAdmitted, RunKey: run.RunKey}, nil
}

// Submit queues a run for an attempt.
func (d *Dispatcher) Submit(runKey string) {
	select {
	case d.queue <- runKey:
	default:
		// Queue full: park it briefly instead of blocking intake.
		d.SubmitAfter(runKey, time.Second)
	}
}

// SubmitAfter queues a run after a delay.
func (d *Dispatcher) SubmitAfter(runKey string, delay time.Duration) {
	if delay <= 0 {
		d.Submit(runKey)
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()
		d.Submit(runKey)
	})
	d.timers[t] = struct{}{}
	d.mu.Unlock()
}

// guardAttempt applies the pre-execution checks to a run snapshot:
// blocked and finished runs never execute again, an exhausted budget
// blocks the run, and a run in cooldown is rescheduled. It reports
// whether the attempt may proceed.
func (d *Dispatcher) guardAttempt(log *zap.Logger, run *store.Run) bool {
	if run.Status == pipeline.StatusBlocked || run.BlockedReason != "" || run.Status.Terminal() {
		return false
	}

	if retry.BudgetExhausted(run.AttemptCount, d.cfg.MaxPipelineAttempts) {
		log.Warn("attempt budget exhausted, blocking run", zap.Int("attempts", run.AttemptCount))
		if err := d.store.SetBlocked(run.RunKey, "max_attempts"); err != nil {
			log.Error("block run", zap.Error(err))
		}
		_ = d.store.LogEvent(run.RunKey, "blocked", "", run.AttemptCount, "max_attempts")
		metrics.PipelineRuns.WithLabelValues(string(orchestrator.OutcomeBlocked)).Inc()
		return false
	}

	cooldown := time.Duration(d.cfg.CooldownSeconds) * time.Second
	if waiting, remaining := retry.InCooldown(run.LastAttemptAt, cooldown, d.now()); waiting {
		metrics.Retries.WithLabelValues("cooldown").Inc()
		d.SubmitAfter(run.RunKey, remaining)
		return false
	}
	return true
}

// runAttempt walks the guard chain and executes one attempt.
func (d *Dispatcher) runAttempt(ctx context.Context, runKey string) {
	log := d.log.With(zap.String("run_key", runKey))
	run, err := d.store.GetRunByKey(runKey)
	if err != nil {
		log.Error("load run for attempt", zap.Error(err))
		return
	}

	// 1. Pre-lock guards on a snapshot. Nothing is written back from
	// this copy.
	if !d.guardAttempt(log, run) {
		return
	}

	// 2. One live attempt per run across all instances.
	lockTTL := time.Duration(d.cfg.RunLockTTLSeconds) * time.Second
	lock, ok := d.gate.AcquireRunLock(ctx, runKey, lockTTL)
	if !ok {
		metrics.Throttled.WithLabelValues("run_lock").Inc()
		d.deferForConcurrency(runKey)
		return
	}
	defer lock.Release(ctx)

	// 3. Reload under the lock and re-check. The snapshot above may
	// predate another worker's attempt; run state is only mutated from
	// a row read while the lock is held.
	run, err = d.store.GetRunByKey(runKey)
	if err != nil {
		log.Error("reload run for attempt", zap.Error(err))
		return
	}
	if !d.guardAttempt(log, run) {
		return
	}

	// 4. Bounded concurrent pipelines per repo.
	slotTTL := time.Duration(d.cfg.RepoConcurrencyTTLSeconds) * time.Second
	if !d.gate.AcquireRepoSlot(ctx, run.Repo, d.cfg.RepoConcurrencyLimit, slotTTL) {
		metrics.Throttled.WithLabelValues("repo_slot").Inc()
		d.deferForConcurrency(runKey)
		return
	}
	defer d.gate.ReleaseRepoSlot(ctx, run.Repo)

	// 5. The attempt is live: consume budget before any side effects.
	run.AttemptCount++
	at := d.now()
	run.LastAttemptAt = &at
	if err := d.store.SaveRun(run); err != nil {
		log.Error("persist attempt start", zap.Error(err))
		return
	}
	_ = d.store.LogEvent(runKey, "attempt_started", "", run.AttemptCount, "")

	// 6. Execute and classify the outcome.
	res, err := d.exec.Execute(ctx, runKey, orchestrator.ExecuteOpts{})
	if err == nil {
		log.Info("attempt finished", zap.String("outcome", string(res.Outcome)), zap.Int("attempt", run.AttemptCount))
		return
	}

	if retry.IsTransient(err) {
		if retry.BudgetExhausted(run.AttemptCount, d.cfg.MaxPipelineAttempts) {
			log.Warn("transient failure with no budget left, blocking run", zap.Error(err))
			if berr := d.store.SetBlocked(runKey, "max_attempts"); berr != nil {
				log.Error("block run", zap.Error(berr))
			}
			_ = d.store.LogEvent(runKey, "blocked", "", run.AttemptCount, "max_attempts")
			metrics.PipelineRuns.WithLabelValues(string(orchestrator.OutcomeBlocked)).Inc()
			return
		}
		base := time.Duration(d.cfg.BaseBackoffSeconds) * time.Second
		max := time.Duration(d.cfg.MaxBackoffSeconds) * time.Second
		delay := retry.Backoff(run.AttemptCount, base, max)
		log.Warn("transient failure, rescheduling",
			zap.Error(err), zap.Int("attempt", run.AttemptCount), zap.Duration("delay", delay))
		_ = d.store.LogEvent(runKey, "attempt_retry", "", run.AttemptCount, err.Error())
		metrics.Retries.WithLabelValues("transient").Inc()
		d.SubmitAfter(runKey, delay)
		return
	}

	// Terminal failure: record it and stop the run chain.
	log.Error("terminal attempt failure", zap.Error(err), zap.Int("attempt", run.AttemptCount))
	if current, gerr := d.store.GetRunByKey(runKey); gerr == nil && !current.Status.Terminal() {
		current.Status = pipeline.StatusFailed
		if serr := d.store.SaveRun(current); serr != nil {
			log.Error("persist terminal failure", zap.Error(serr))
		}
	}
	_ = d.store.LogEvent(runKey, "attempt_failed", "", run.AttemptCount, err.Error())
	metrics.PipelineRuns.WithLabelValues(string(orchestrator.OutcomeFailed)).Inc()
}

// deferForConcurrency reschedules a lock- or slot-deferred run without
// consuming its attempt budget.
func (d *Dispatcher) deferForConcurrency(runKey string) {
	base := time.Duration(d.cfg.BaseBackoffSeconds) * time.Second
	d.log.Info("concurrency deferred", zap.String("run_key", runKey), zap.Duration("delay", base))
	d.SubmitAfter(runKey, base)
}
