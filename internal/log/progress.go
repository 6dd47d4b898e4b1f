// Package log carries the terminal progress indicator and step logger
// used by batch recomputes and the CLI. Output is plain ASCII on stderr,
// so it renders the same in terminals and CI logs and never corrupts
// result JSON written to stdout.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ProgressConfig controls how a ProgressIndicator draws.
type ProgressConfig struct {
	// Quiet suppresses all terminal output. Counters still advance, so
	// Finish callers can rely on the indicator regardless of mode.
	Quiet bool

	// BarWidth is the number of fill characters in the drawn bar.
	BarWidth int

	// RedrawEvery throttles intermediate redraws. Terminal writes from a
	// worker pool otherwise dominate small per-user compute times.
	RedrawEvery time.Duration

	// Writer defaults to stderr.
	Writer io.Writer
}

// DefaultProgressConfig returns the interactive-terminal configuration.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		BarWidth:    24,
		RedrawEvery: 100 * time.Millisecond,
	}
}

// QuietProgressConfig returns a configuration that draws nothing. Used by
// the batch daemon and any run where stderr is not a terminal.
func QuietProgressConfig() ProgressConfig {
	return ProgressConfig{Quiet: true}
}

// ProgressIndicator tracks completion of a known number of items and
// redraws a single status line as they finish. Safe for concurrent
// Increment calls from worker goroutines.
type ProgressIndicator struct {
	mu       sync.Mutex
	name     string
	total    int
	done     int
	started  time.Time
	lastDraw time.Time
	config   ProgressConfig
}

// NewProgressIndicator creates an indicator for total items. A zero or
// negative total draws counts without a bar.
func NewProgressIndicator(name string, total int, config ProgressConfig) *ProgressIndicator {
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	if config.BarWidth <= 0 {
		config.BarWidth = 24
	}
	return &ProgressIndicator{
		name:    name,
		total:   total,
		started: time.Now(),
		config:  config,
	}
}

// Increment marks one more item finished and redraws if due.
func (pi *ProgressIndicator) Increment() {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	pi.done++
	if pi.config.Quiet {
		return
	}

	now := time.Now()
	if pi.done < pi.total && now.Sub(pi.lastDraw) < pi.config.RedrawEvery {
		return
	}
	pi.lastDraw = now
	pi.draw()
}

// Finish clears the status line and prints the completion summary.
func (pi *ProgressIndicator) Finish() {
	pi.finishLine(fmt.Sprintf("%d items", pi.total))
}

// FinishWithMessage clears the status line and prints a caller-supplied
// summary, typically computed and failed counts.
func (pi *ProgressIndicator) FinishWithMessage(message string) {
	pi.finishLine(message)
}

func (pi *ProgressIndicator) finishLine(message string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if pi.config.Quiet {
		return
	}
	elapsed := time.Since(pi.started).Round(time.Millisecond)
	fmt.Fprintf(pi.config.Writer, "\r\033[K%s: %s (%v)\n", pi.name, message, elapsed)
}

// draw renders the status line in place. Caller holds the lock.
func (pi *ProgressIndicator) draw() {
	var line strings.Builder
	line.WriteString("\r\033[K")
	line.WriteString(pi.name)

	if pi.total > 0 {
		filled := pi.config.BarWidth * pi.done / pi.total
		line.WriteString(" [")
		line.WriteString(strings.Repeat("#", filled))
		line.WriteString(strings.Repeat(".", pi.config.BarWidth-filled))
		fmt.Fprintf(&line, "] %d/%d", pi.done, pi.total)
	} else {
		fmt.Fprintf(&line, " %d", pi.done)
	}

	elapsed := time.Since(pi.started)
	if pi.done > 0 && elapsed > 0 {
		rate := float64(pi.done) / elapsed.Seconds()
		fmt.Fprintf(&line, " %.0f/s", rate)
		if remaining := pi.total - pi.done; remaining > 0 && rate > 0 {
			eta := time.Duration(float64(remaining)/rate*float64(time.Second)).Round(time.Second)
			fmt.Fprintf(&line, " eta %v", eta)
		}
	}

	fmt.Fprint(pi.config.Writer, line.String())
}

// StepLogger announces the named stages of a short pipeline run, one
// terminal line per stage, with structured timing behind it. The CLI
// compute path is its only audience; the batch daemon logs through
// zerolog alone.
type StepLogger struct {
	name      string
	steps     []string
	durations map[string]time.Duration
	current   string
	stepStart time.Time
	runStart  time.Time
	writer    io.Writer
}

// NewStepLogger creates a logger for a fixed sequence of named steps.
func NewStepLogger(name string, steps []string) *StepLogger {
	return &StepLogger{
		name:      name,
		steps:     steps,
		durations: make(map[string]time.Duration, len(steps)),
		runStart:  time.Now(),
		writer:    os.Stderr,
	}
}

// StartStep announces the next stage. An open previous stage is closed
// first, so callers may omit CompleteStep between consecutive stages.
func (sl *StepLogger) StartStep(stepName string) {
	if sl.current != "" {
		sl.CompleteStep()
	}

	position := 0
	for i, step := range sl.steps {
		if step == stepName {
			position = i + 1
			break
		}
	}
	if position == 0 {
		log.Warn().Str("step", stepName).Str("run", sl.name).Msg("Step not in the declared sequence")
		position = len(sl.durations) + 1
	}

	sl.current = stepName
	sl.stepStart = time.Now()
	fmt.Fprintf(sl.writer, "%s [%d/%d] %s\n", sl.name, position, len(sl.steps), stepName)
}

// CompleteStep closes the open stage and records its duration.
func (sl *StepLogger) CompleteStep() {
	if sl.current == "" {
		return
	}

	duration := time.Since(sl.stepStart)
	sl.durations[sl.current] = duration
	log.Debug().
		Str("run", sl.name).
		Str("step", sl.current).
		Dur("duration", duration).
		Msg("Step completed")
	sl.current = ""
}

// Finish closes any open stage and prints the run summary with per-step
// timings in declaration order.
func (sl *StepLogger) Finish() {
	sl.CompleteStep()
	total := time.Since(sl.runStart).Round(time.Millisecond)

	parts := make([]string, 0, len(sl.steps))
	for _, step := range sl.steps {
		if d, ok := sl.durations[step]; ok {
			parts = append(parts, fmt.Sprintf("%s %v", step, d.Round(time.Millisecond)))
		}
	}

	fmt.Fprintf(sl.writer, "%s done in %v (%s)\n", sl.name, total, strings.Join(parts, ", "))
	log.Info().Str("run", sl.name).Dur("total", total).Msg("Run completed")
}

// Fail reports the stage that broke the run.
func (sl *StepLogger) Fail(reason string) {
	failed := sl.current
	if failed == "" {
		failed = "startup"
	}

	fmt.Fprintf(sl.writer, "%s failed during %s: %s\n", sl.name, failed, reason)
	log.Error().
		Str("run", sl.name).
		Str("step", failed).
		Str("reason", reason).
		Msg("Run failed")
}
