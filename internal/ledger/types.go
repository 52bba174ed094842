package ledger

import (
	"time"

	"volt-migrate/internal/entity"
)

// Transition 表示写入台账的步骤状态迁移。
type Transition string

const (
	TransitionCreated  Transition = "Created"
	TransitionVerified Transition = "Verified"
	TransitionSkipped  Transition = "Skipped"
	TransitionAdopted  Transition = "Adopted"
	TransitionFailed   Transition = "Failed"
)

// Event 为一条只追加的步骤结果记录。
type Event struct {
	RunID      string      `json:"runId"`
	StepOrder  int         `json:"order"`
	Kind       entity.Kind `json:"kind"`
	SourceKey  string      `json:"sourceKey"`
	ExternalID string      `json:"externalIdentity"`
	RemoteID   string      `json:"remoteId,omitempty"`
	Transition Transition  `json:"transition"`
	ErrorKind  string      `json:"errorKind,omitempty"`
	Message    string      `json:"message,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// KindStats 汇总单个类型的迁移计数。
type KindStats struct {
	Created  int `json:"created"`
	Verified int `json:"verified"`
	Skipped  int `json:"skipped"`
	Adopted  int `json:"adopted"`
	Failed   int `json:"failed"`
}

func (s *KindStats) add(t Transition, n int) {
	switch t {
	case TransitionCreated:
		s.Created += n
	case TransitionVerified:
		s.Verified += n
	case TransitionSkipped:
		s.Skipped += n
	case TransitionAdopted:
		s.Adopted += n
	case TransitionFailed:
		s.Failed += n
	}
}

// Stats 为一次运行的统计。
type Stats struct {
	RunID  string                     `json:"runId"`
	Kinds  map[entity.Kind]*KindStats `json:"kinds"`
	Totals KindStats                  `json:"totals"`
}

// HasFailures 判断运行中是否存在失败步骤。
func (s Stats) HasFailures() bool {
	return s.Totals.Failed > 0
}
