package apply

import (
	"volt-migrate/internal/entity"
)

// State 为单个步骤的执行状态。
type State string

const (
	StatePending   State = "Pending"
	StateResolving State = "Resolving"
	StateCreating  State = "Creating"
	StateVerifying State = "Verifying"
	StateDone      State = "Done"
	StateFailed    State = "Failed"
)

// Outcome 为步骤的最终结果。
type Outcome string

const (
	OutcomeCreated Outcome = "Created"
	OutcomeSkipped Outcome = "Skipped"
	OutcomeAdopted Outcome = "Adopted"
	// OutcomeVerified 表示此前已写入但未确认的实体在本次回读确认。
	OutcomeVerified Outcome = "Verified"
	OutcomeFailed   Outcome = "Failed"
	OutcomeNotRun   Outcome = "NotRun"
)

// StepResult 为单个步骤的执行结果。
type StepResult struct {
	Order      int         `json:"order"`
	Kind       entity.Kind `json:"kind"`
	SourceKey  string      `json:"sourceKey"`
	ExternalID string      `json:"externalIdentity"`
	RemoteID   string      `json:"remoteId,omitempty"`
	State      State       `json:"state"`
	Outcome    Outcome     `json:"outcome"`
	ErrorKind  string      `json:"errorKind,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// KindStats 为单个类型的执行计数。
type KindStats struct {
	Created  int `json:"created"`
	Skipped  int `json:"skipped"`
	Adopted  int `json:"adopted"`
	Verified int `json:"verified"`
	Failed   int `json:"failed"`
	NotRun   int `json:"notRun"`
}

func (s *KindStats) count(o Outcome) {
	switch o {
	case OutcomeCreated:
		s.Created++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeAdopted:
		s.Adopted++
	case OutcomeVerified:
		s.Verified++
	case OutcomeFailed:
		s.Failed++
	case OutcomeNotRun:
		s.NotRun++
	}
}

// Result 汇总一次运行。
type Result struct {
	RunID     string                     `json:"runId"`
	Steps     []StepResult               `json:"steps"`
	Stats     map[entity.Kind]*KindStats `json:"stats"`
	Totals    KindStats                  `json:"totals"`
	Cancelled bool                       `json:"cancelled"`
}

func newResult(runID string) *Result {
	return &Result{
		RunID: runID,
		Steps: make([]StepResult, 0),
		Stats: make(map[entity.Kind]*KindStats),
	}
}

func (r *Result) add(sr StepResult) {
	r.Steps = append(r.Steps, sr)
	ks, ok := r.Stats[sr.Kind]
	if !ok {
		ks = &KindStats{}
		r.Stats[sr.Kind] = ks
	}
	ks.count(sr.Outcome)
	r.Totals.count(sr.Outcome)
}

// HasFailures 判断运行是否存在失败或未执行的步骤，决定进程退出码。
func (r *Result) HasFailures() bool {
	return r.Totals.Failed > 0 || r.Cancelled
}
