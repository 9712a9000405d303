package domain

import (
	"fmt"
	"strings"
	"time"
)

// Phase is one requested stage of a pipeline run.
type Phase string

const (
	PhaseCollect Phase = "COLLECT"
	PhaseClean   Phase = "CLEAN"
	PhaseEnrich  Phase = "ENRICH"
	PhasePersist Phase = "PERSIST"
)

// AllPhases lists phases in execution order.
var AllPhases = []Phase{PhaseCollect, PhaseClean, PhaseEnrich, PhasePersist}

// ParsePhases accepts a comma separated, case-insensitive phase list.
func ParsePhases(value string) ([]Phase, error) {
	var phases []Phase
	seen := map[Phase]bool{}
	for _, part := range strings.Split(value, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		p := Phase(part)
		switch p {
		case PhaseCollect, PhaseClean, PhaseEnrich, PhasePersist:
		default:
			return nil, fmt.Errorf("unknown phase %q", part)
		}
		if !seen[p] {
			seen[p] = true
			phases = append(phases, p)
		}
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("no phases requested")
	}
	return phases, nil
}

// RunState enumerates orchestrator milestones.
type RunState string

const (
	RunPending    RunState = "PENDING"
	RunCollecting RunState = "COLLECTING"
	RunCleaning   RunState = "CLEANING"
	RunEnriching  RunState = "ENRICHING"
	RunPersisting RunState = "PERSISTING"
	RunSucceeded  RunState = "SUCCEEDED"
	RunPartial    RunState = "PARTIAL"
	RunFailed     RunState = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunPartial || s == RunFailed
}

// StateForPhase maps a phase to the state the run is in while executing it.
func StateForPhase(p Phase) RunState {
	switch p {
	case PhaseCollect:
		return RunCollecting
	case PhaseClean:
		return RunCleaning
	case PhaseEnrich:
		return RunEnriching
	case PhasePersist:
		return RunPersisting
	default:
		return RunPending
	}
}

// PhaseCounters are per-phase item counts.
type PhaseCounters struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// OutcomeKind is the single final outcome of one item.
type OutcomeKind string

const (
	OutcomePersisted     OutcomeKind = "persisted"
	OutcomeEnriched      OutcomeKind = "enriched"
	OutcomeCanonicalized OutcomeKind = "canonicalized"
	OutcomeCollected     OutcomeKind = "collected"
	OutcomeRejected      OutcomeKind = "rejected"
	OutcomeDuplicate     OutcomeKind = "duplicate"
	OutcomeFailedEnrich  OutcomeKind = "failed_enrich"
	OutcomeFailedPersist OutcomeKind = "failed_persist"
	OutcomeCanceled      OutcomeKind = "canceled"
)

// AllOutcomes lists outcome kinds in report order.
var AllOutcomes = []OutcomeKind{
	OutcomePersisted, OutcomeEnriched, OutcomeCanonicalized, OutcomeCollected,
	OutcomeRejected, OutcomeDuplicate, OutcomeFailedEnrich, OutcomeFailedPersist, OutcomeCanceled,
}

// Success reports whether the outcome counts as a successful item.
func (k OutcomeKind) Success() bool {
	return k == OutcomePersisted || k == OutcomeEnriched || k == OutcomeCanonicalized || k == OutcomeCollected
}

// Failure reports whether the outcome prevents a SUCCEEDED run.
func (k OutcomeKind) Failure() bool {
	return k == OutcomeRejected || k == OutcomeFailedEnrich || k == OutcomeFailedPersist || k == OutcomeCanceled
}

// PipelineRun is one orchestrated execution. Values handed out by the
// orchestrator are snapshots and never alias its internal state.
type PipelineRun struct {
	ID               string
	StartedAt        time.Time
	EndedAt          time.Time
	Phases           []Phase
	State            RunState
	Counters         map[Phase]PhaseCounters
	Outcomes         map[OutcomeKind]int
	Rejections       map[string]int
	CollectionErrors []string
	AuditFailures    int
	RecordsCollected int
	FatalError       string
	Canceled         bool
}

// HasPhase reports whether the run requested p.
func (r PipelineRun) HasPhase(p Phase) bool {
	for _, phase := range r.Phases {
		if phase == p {
			return true
		}
	}
	return false
}

// Clone deep-copies the run.
func (r PipelineRun) Clone() PipelineRun {
	cp := r
	cp.Phases = append([]Phase(nil), r.Phases...)
	cp.Counters = make(map[Phase]PhaseCounters, len(r.Counters))
	for k, v := range r.Counters {
		cp.Counters[k] = v
	}
	cp.Outcomes = make(map[OutcomeKind]int, len(r.Outcomes))
	for k, v := range r.Outcomes {
		cp.Outcomes[k] = v
	}
	cp.Rejections = make(map[string]int, len(r.Rejections))
	for k, v := range r.Rejections {
		cp.Rejections[k] = v
	}
	cp.CollectionErrors = append([]string(nil), r.CollectionErrors...)
	return cp
}
