package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/regimenhq/biovelocity/infra/breakers"
	"github.com/regimenhq/biovelocity/internal/domain"
	httpmetrics "github.com/regimenhq/biovelocity/internal/interfaces/http"
	logprogress "github.com/regimenhq/biovelocity/internal/log"
	"github.com/regimenhq/biovelocity/internal/net/ratelimit"
	"github.com/regimenhq/biovelocity/internal/store"
	"github.com/regimenhq/biovelocity/internal/velocity"
)

// RunOptions tunes one recompute run
type RunOptions struct {
	Workers     int
	MaxUsers    int
	Users       []string
	SourceRPS   float64
	SourceBurst int
	Quiet       bool

	// Filter, when set, decides per user whether the fetched snapshot
	// should be computed. Skipped users count as neither computed nor
	// failed.
	Filter func(*store.UserSnapshot) bool
}

// Outcome is the per-user result of one recompute run
type Outcome struct {
	UserID  string
	Result  domain.VelocityResult
	Points  int
	Latency time.Duration
	Skipped bool
	Err     error
}

// RunReport summarizes one recompute run
type RunReport struct {
	RunID         string
	Source        string
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	UsersListed   int
	UsersComputed int
	UsersSkipped  int
	UsersFailed   int
	Outcomes      []Outcome
}

// MeanVelocity returns the average overall velocity across computed users
func (rep *RunReport) MeanVelocity() float64 {
	sum := 0.0
	count := 0
	for _, outcome := range rep.Outcomes {
		if outcome.Err != nil || outcome.Skipped {
			continue
		}
		sum += outcome.Result.OverallVelocity
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// FactorCounts returns how many computed users landed on each dominant factor
func (rep *RunReport) FactorCounts() map[string]int {
	counts := make(map[string]int)
	for _, outcome := range rep.Outcomes {
		if outcome.Err != nil || outcome.Skipped {
			continue
		}
		counts[outcome.Result.Explainability.DominantFactor.String()]++
	}
	return counts
}

// ConstrainedCount returns how many computed users were capped by the gate
func (rep *RunReport) ConstrainedCount() int {
	count := 0
	for _, outcome := range rep.Outcomes {
		if outcome.Err != nil || outcome.Skipped {
			continue
		}
		if outcome.Result.HardConstraintApplied {
			count++
		}
	}
	return count
}

// Runner fans a velocity recompute across a worker pool. Every source
// call passes through a per-source rate limit and a circuit breaker so
// a degraded backend slows the run down instead of failing every user.
type Runner struct {
	engine  *velocity.Engine
	source  store.HistorySource
	sinks   []store.ResultSink
	limiter *ratelimit.Limiter
	breaker *breakers.Breaker
	opts    RunOptions
}

// NewRunner creates a runner over the given source. Zero options get
// working defaults.
func NewRunner(engine *velocity.Engine, source store.HistorySource, opts RunOptions) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.SourceRPS <= 0 {
		opts.SourceRPS = 50
	}
	if opts.SourceBurst <= 0 {
		opts.SourceBurst = opts.Workers * 2
	}

	return &Runner{
		engine:  engine,
		source:  source,
		limiter: ratelimit.NewLimiter(opts.SourceRPS, opts.SourceBurst),
		breaker: breakers.New(source.Name()),
		opts:    opts,
	}
}

// AddSink registers a destination for computed results. Sinks are called
// in registration order for every computed user.
func (r *Runner) AddSink(sink store.ResultSink) {
	r.sinks = append(r.sinks, sink)
}

// Run executes one full recompute: list users, fan out across workers,
// collect per-user outcomes. The run itself only fails when the user
// listing fails; per-user errors land in the report.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.New().String()[:8],
		Source:    r.source.Name(),
		StartTime: time.Now(),
	}

	if m := httpmetrics.DefaultMetrics; m != nil {
		m.IncrementActiveBatchRuns()
		defer m.DecrementActiveBatchRuns()
	}

	users, err := r.listUsers(ctx)
	if err != nil {
		return nil, err
	}
	report.UsersListed = len(users)

	log.Info().
		Str("run_id", report.RunID).
		Str("source", report.Source).
		Int("users", len(users)).
		Int("workers", r.opts.Workers).
		Msg("Batch recompute starting")

	progressConfig := logprogress.DefaultProgressConfig()
	if r.opts.Quiet {
		progressConfig = logprogress.QuietProgressConfig()
	}
	progress := logprogress.NewProgressIndicator("velocity recompute", len(users), progressConfig)

	jobs := make(chan string)
	results := make(chan Outcome)

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go r.worker(ctx, jobs, results, &wg)
	}

	go func() {
		defer close(jobs)
		for _, userID := range users {
			select {
			case jobs <- userID:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for outcome := range results {
		progress.Increment()

		label := "computed"
		switch {
		case outcome.Err != nil:
			label = "failed"
			report.UsersFailed++
			log.Warn().
				Str("run_id", report.RunID).
				Str("user", outcome.UserID).
				Err(outcome.Err).
				Msg("User recompute failed")
		case outcome.Skipped:
			label = "skipped"
			report.UsersSkipped++
		default:
			report.UsersComputed++
			log.Debug().
				Str("run_id", report.RunID).
				Str("user", outcome.UserID).
				Msg(outcome.Result.GetVelocitySummary())
		}

		if m := httpmetrics.DefaultMetrics; m != nil {
			m.RecordBatchUser(label)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	// Workers finish in arbitrary order
	sort.Slice(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].UserID < report.Outcomes[j].UserID
	})

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)

	if report.UsersFailed > 0 {
		progress.FinishWithMessage(fmt.Sprintf("%d computed, %d failed", report.UsersComputed, report.UsersFailed))
	} else {
		progress.Finish()
	}

	log.Info().
		Str("run_id", report.RunID).
		Int("computed", report.UsersComputed).
		Int("skipped", report.UsersSkipped).
		Int("failed", report.UsersFailed).
		Dur("duration", report.Duration).
		Msg("Batch recompute finished")

	return report, nil
}

// listUsers resolves the user population for this run
func (r *Runner) listUsers(ctx context.Context) ([]string, error) {
	if len(r.opts.Users) > 0 {
		users := append([]string(nil), r.opts.Users...)
		sort.Strings(users)
		return capUsers(users, r.opts.MaxUsers), nil
	}

	raw, err := r.breaker.Execute(func() (any, error) {
		return r.source.ListUsers(ctx)
	})
	if err != nil {
		if m := httpmetrics.DefaultMetrics; m != nil {
			m.RecordComputeError(string(httpmetrics.StepListUsers), "source")
		}
		return nil, fmt.Errorf("failed to list users from %s: %w", r.source.Name(), err)
	}

	return capUsers(raw.([]string), r.opts.MaxUsers), nil
}

func capUsers(users []string, max int) []string {
	if max > 0 && len(users) > max {
		return users[:max]
	}
	return users
}

func (r *Runner) worker(ctx context.Context, jobs <-chan string, results chan<- Outcome, wg *sync.WaitGroup) {
	defer wg.Done()
	for userID := range jobs {
		results <- r.processUser(ctx, userID)
	}
}

// processUser runs the fetch, filter, compute, persist sequence for one user
func (r *Runner) processUser(ctx context.Context, userID string) Outcome {
	outcome := Outcome{UserID: userID}

	if err := r.limiter.Wait(ctx, r.source.Name()); err != nil {
		outcome.Err = fmt.Errorf("rate limit wait aborted: %w", err)
		return outcome
	}

	raw, err := r.breaker.Execute(func() (any, error) {
		return r.source.FetchSnapshot(ctx, userID)
	})
	if err != nil {
		if m := httpmetrics.DefaultMetrics; m != nil {
			m.RecordComputeError(string(httpmetrics.StepFetchHistory), "source")
		}
		outcome.Err = fmt.Errorf("failed to fetch history: %w", err)
		return outcome
	}
	snapshot := raw.(*store.UserSnapshot)
	outcome.Points = snapshot.PointCount()

	if r.opts.Filter != nil && !r.opts.Filter(snapshot) {
		outcome.Skipped = true
		return outcome
	}

	start := time.Now()
	result, err := r.engine.ComputeFromSeries(snapshot.Series, snapshot.LabScores, snapshot.LabRecencyDays)
	outcome.Latency = time.Since(start)
	if err != nil {
		if m := httpmetrics.DefaultMetrics; m != nil {
			m.RecordComputeError(string(httpmetrics.StepCompute), "series_shape")
		}
		outcome.Err = fmt.Errorf("failed to compute velocity: %w", err)
		return outcome
	}
	outcome.Result = result

	for _, sink := range r.sinks {
		if err := sink.SaveResult(ctx, snapshot, result, outcome.Latency); err != nil {
			if m := httpmetrics.DefaultMetrics; m != nil {
				m.RecordComputeError(string(httpmetrics.StepPersist), "sink")
			}
			outcome.Err = fmt.Errorf("failed to persist result to %s: %w", sink.Name(), err)
			return outcome
		}
	}

	if m := httpmetrics.DefaultMetrics; m != nil {
		m.RecordComputation("batch", result.Explainability.DominantFactor.String(), result.OverallVelocity, outcome.Latency)
		if result.HardConstraintApplied {
			m.RecordConstraint(constraintRule(result.HardConstraintReason))
		}
	}

	return outcome
}

// constraintRule extracts the rule name from a gate reason like
// "vo2max_improving (confidence 0.82 >= 0.60, window 45d >= 21d)".
func constraintRule(reason string) string {
	if i := strings.IndexByte(reason, ' '); i > 0 {
		return reason[:i]
	}
	return reason
}
