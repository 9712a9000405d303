package usecase

import (
	"sync"
	"time"

	"CatalogPipeline/internal/domain"
)

// runTracker owns one PipelineRun. Workers report into it concurrently;
// readers only ever see clones.
type runTracker struct {
	mu  sync.Mutex
	run domain.PipelineRun
}

func newRunTracker(id string, phases []domain.Phase, startedAt time.Time) *runTracker {
	return &runTracker{run: domain.PipelineRun{
		ID:         id,
		StartedAt:  startedAt,
		Phases:     append([]domain.Phase(nil), phases...),
		State:      domain.RunPending,
		Counters:   map[domain.Phase]domain.PhaseCounters{},
		Outcomes:   map[domain.OutcomeKind]int{},
		Rejections: map[string]int{},
	}}
}

func (t *runTracker) enter(phase domain.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.run.State.Terminal() {
		return
	}
	t.run.State = domain.StateForPhase(phase)
	if _, ok := t.run.Counters[phase]; !ok {
		t.run.Counters[phase] = domain.PhaseCounters{}
	}
}

func (t *runTracker) count(phase domain.Phase, fn func(*domain.PhaseCounters)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.run.Counters[phase]
	fn(&c)
	t.run.Counters[phase] = c
}

func (t *runTracker) outcome(kind domain.OutcomeKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Outcomes[kind]++
}

func (t *runTracker) rejection(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Rejections[reason]++
}

func (t *runTracker) collectionError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.CollectionErrors = append(t.run.CollectionErrors, err.Error())
}

func (t *runTracker) collected(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.RecordsCollected += n
}

func (t *runTracker) auditFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.AuditFailures++
}

func (t *runTracker) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.run.Canceled = true
}

// finish applies the terminal rule. Later calls are ignored.
func (t *runTracker) finish(endedAt time.Time, fatal error) domain.PipelineRun {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.run.State.Terminal() {
		return t.run.Clone()
	}
	if fatal != nil {
		t.run.FatalError = fatal.Error()
	}
	t.run.EndedAt = endedAt
	t.run.State = terminalState(t.run)
	return t.run.Clone()
}

func (t *runTracker) snapshot() domain.PipelineRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run.Clone()
}

// terminalState: FAILED on a fatal error or when nothing succeeded despite
// failures; PARTIAL when successes and failures mix; SUCCEEDED otherwise,
// including a run that had no work and no errors.
func terminalState(run domain.PipelineRun) domain.RunState {
	if run.FatalError != "" {
		return domain.RunFailed
	}

	var succeeded, failed int
	for kind, n := range run.Outcomes {
		switch {
		case kind.Success():
			succeeded += n
		case kind.Failure():
			failed += n
		}
	}
	failed += len(run.CollectionErrors)
	if run.Canceled {
		failed++
	}

	switch {
	case succeeded == 0 && failed > 0:
		return domain.RunFailed
	case failed > 0:
		return domain.RunPartial
	default:
		return domain.RunSucceeded
	}
}
