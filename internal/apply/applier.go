package apply

import (
	"context"
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"volt-migrate/internal/auth"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/ledger"
	"volt-migrate/internal/plan"
	"volt-migrate/internal/transport"
)

// Remote 为执行所需的远端写入与回读接口。
type Remote interface {
	Create(ctx context.Context, kind entity.Kind, externalID string, payload map[string]any) (string, transport.Object, error)
	Get(ctx context.Context, kind entity.Kind, id string) (transport.Object, error)
}

// Repository 为映射存储的读写视图。
type Repository interface {
	Get(kind entity.Kind, sourceKey string) (entity.MappingEntry, bool)
	Upsert(ctx context.Context, entry entity.MappingEntry) error
}

// Ledger 为只追加的结果台账。
type Ledger interface {
	Append(ctx context.Context, event ledger.Event) error
}

// Applier 按计划顺序单线程执行步骤。映射存储与台账只在此执行路径上写入，
// 若将来引入并发步骤，调用方需自行串行化这两处写入。
type Applier struct {
	remote Remote
	repo   Repository
	ledger Ledger
	logger *zap.Logger
	runID  string
}

// NewApplier 创建执行器并分配运行标识。
func NewApplier(remote Remote, repo Repository, l Ledger, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		remote: remote,
		repo:   repo,
		ledger: l,
		logger: logger,
		runID:  ulid.Make().String(),
	}
}

// RunID 返回本次运行的标识。
func (a *Applier) RunID() string {
	return a.runID
}

// Apply 依次执行计划中的步骤。单步失败只记录并继续；认证失败或无法写入台账、
// 映射时中止整个运行。取消信号只在步骤之间生效。
func (a *Applier) Apply(ctx context.Context, p *plan.Plan) (*Result, error) {
	result := newResult(a.runID)
	live := make(map[entity.Key]string, len(p.Steps))

	a.logger.Info("开始执行计划",
		zap.String("run_id", a.runID),
		zap.Int("steps", len(p.Steps)),
		zap.String("input_hash", p.InputHash),
	)

	for i := range p.Steps {
		step := &p.Steps[i]

		if ctx.Err() != nil {
			result.Cancelled = true
			notRun(result, p.Steps[i:])
			a.logger.Warn("运行被取消，剩余步骤未执行",
				zap.String("run_id", a.runID),
				zap.Int("not_run", len(p.Steps)-i),
			)
			break
		}

		sr, err := a.runStep(ctx, step, live)
		result.add(sr)
		if err != nil {
			notRun(result, p.Steps[i+1:])
			a.logger.Error("运行中止",
				zap.String("run_id", a.runID),
				zap.Int("order", step.Order),
				zap.Error(err),
			)
			return result, err
		}
	}

	a.logger.Info("计划执行结束",
		zap.String("run_id", a.runID),
		zap.Int("created", result.Totals.Created),
		zap.Int("skipped", result.Totals.Skipped),
		zap.Int("adopted", result.Totals.Adopted),
		zap.Int("verified", result.Totals.Verified),
		zap.Int("failed", result.Totals.Failed),
		zap.Bool("cancelled", result.Cancelled),
	)
	return result, nil
}

func notRun(result *Result, steps []plan.Step) {
	for _, rest := range steps {
		result.add(StepResult{
			Order:      rest.Order,
			Kind:       rest.Kind,
			SourceKey:  rest.SourceKey,
			ExternalID: rest.ExternalID,
			State:      StatePending,
			Outcome:    OutcomeNotRun,
		})
	}
}

// runStep 执行单个步骤，返回的 error 只用于需要中止整个运行的情况。
func (a *Applier) runStep(ctx context.Context, step *plan.Step, live map[entity.Key]string) (StepResult, error) {
	key := step.Key()
	sr := StepResult{
		Order:      step.Order,
		Kind:       step.Kind,
		SourceKey:  step.SourceKey,
		ExternalID: step.ExternalID,
		State:      StatePending,
	}

	entry, mapped := a.repo.Get(step.Kind, step.SourceKey)
	if mapped && entry.Verified() {
		live[key] = entry.RemoteID
		sr.RemoteID = entry.RemoteID
		sr.State = StateDone
		sr.Outcome = OutcomeSkipped
		if err := a.record(context.WithoutCancel(ctx), step, ledger.TransitionSkipped, entry.RemoteID, nil); err != nil {
			return sr, err
		}
		a.logger.Info("映射已确认，跳过", zap.Int("order", step.Order), zap.String("key", key.String()))
		return sr, nil
	}

	a.transition(&sr, StateResolving)
	if err := a.resolve(step, live); err != nil {
		// 保留已写入实体的远端 ID
		return a.fail(ctx, step, sr, entry.RemoteID, err)
	}

	remoteID := ""
	outcome := OutcomeCreated
	switch {
	case mapped && entry.RemoteID != "":
		// 此前已写入但未确认，只回读，避免重复创建
		remoteID = entry.RemoteID
		outcome = OutcomeVerified
	case step.AdoptRemoteID != "":
		remoteID = step.AdoptRemoteID
		outcome = OutcomeAdopted
	}

	// 写入与回读不响应取消，避免留下“可能已创建”的未知状态
	writeCtx := context.WithoutCancel(ctx)

	if remoteID == "" {
		a.transition(&sr, StateCreating)
		if err := a.repo.Upsert(writeCtx, entity.MappingEntry{
			Kind:       step.Kind,
			SourceKey:  step.SourceKey,
			ExternalID: step.ExternalID,
			Status:     entity.StatusPlanned,
		}); err != nil {
			return sr, err
		}

		id, _, err := a.remote.Create(writeCtx, step.Kind, step.ExternalID, step.Payload)
		if err != nil {
			// 保留已写入实体的远端 ID
		return a.fail(ctx, step, sr, entry.RemoteID, err)
		}
		remoteID = id
		sr.RemoteID = id

		if err := a.record(writeCtx, step, ledger.TransitionCreated, id, nil); err != nil {
			return sr, err
		}
		if err := a.repo.Upsert(writeCtx, entity.MappingEntry{
			Kind:       step.Kind,
			SourceKey:  step.SourceKey,
			ExternalID: step.ExternalID,
			RemoteID:   id,
			Status:     entity.StatusCreated,
		}); err != nil {
			return sr, err
		}
	}
	sr.RemoteID = remoteID

	a.transition(&sr, StateVerifying)
	if err := a.verify(writeCtx, step, remoteID); err != nil {
		return a.fail(ctx, step, sr, remoteID, err)
	}

	transition := ledger.TransitionVerified
	if outcome == OutcomeAdopted {
		transition = ledger.TransitionAdopted
	}
	if err := a.record(writeCtx, step, transition, remoteID, nil); err != nil {
		return sr, err
	}
	if err := a.repo.Upsert(writeCtx, entity.MappingEntry{
		Kind:       step.Kind,
		SourceKey:  step.SourceKey,
		ExternalID: step.ExternalID,
		RemoteID:   remoteID,
		Status:     entity.StatusVerified,
	}); err != nil {
		return sr, err
	}

	live[key] = remoteID
	a.transition(&sr, StateDone)
	sr.Outcome = outcome
	a.logger.Info("步骤完成",
		zap.Int("order", step.Order),
		zap.String("key", key.String()),
		zap.String("remote_id", remoteID),
		zap.String("outcome", string(outcome)),
	)
	return sr, nil
}

// resolve 用本次运行已完成步骤的远端标识填充未解析引用。
func (a *Applier) resolve(step *plan.Step, live map[entity.Key]string) error {
	for _, ref := range step.UnresolvedReferences {
		id, ok := live[ref.Key()]
		if !ok {
			if e, mapped := a.repo.Get(ref.Kind, ref.SourceKey); mapped && e.Verified() {
				id, ok = e.RemoteID, true
			}
		}
		if !ok {
			return &UnresolvedDependencyError{Step: step.Key(), Field: ref.Field, Dependency: ref.Key()}
		}
		if step.Payload == nil {
			step.Payload = make(map[string]any)
		}
		step.Payload[ref.Field] = id
	}
	return nil
}

// verify 回读实体并比较关键字段，数值按十进制比较。
func (a *Applier) verify(ctx context.Context, step *plan.Step, remoteID string) error {
	obj, err := a.remote.Get(ctx, step.Kind, remoteID)
	if err != nil {
		if auth.IsAuthError(err) {
			return err
		}
		return &VerificationError{Kind: step.Kind, RemoteID: remoteID, Missing: transport.IsNotFound(err), Err: err}
	}

	fields := make([]string, 0, len(step.Verify))
	for f := range step.Verify {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var mismatches []string
	for _, f := range fields {
		want := step.Verify[f]
		got, ok := obj[f]
		if !ok || !plan.EqualValues(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: 期望 %v，实际 %v", f, want, got))
		}
	}
	if len(mismatches) > 0 {
		return &VerificationError{Kind: step.Kind, RemoteID: remoteID, Mismatches: mismatches}
	}
	return nil
}

// fail 记录步骤失败。认证失败返回 error 以中止运行，其余失败只影响当前步骤。
func (a *Applier) fail(ctx context.Context, step *plan.Step, sr StepResult, remoteID string, cause error) (StepResult, error) {
	writeCtx := context.WithoutCancel(ctx)
	sr.State = StateFailed
	sr.Outcome = OutcomeFailed
	sr.RemoteID = remoteID
	sr.ErrorKind = errorKind(cause)
	sr.Message = cause.Error()

	a.logger.Warn("步骤失败",
		zap.Int("order", step.Order),
		zap.String("key", step.Key().String()),
		zap.String("error_kind", sr.ErrorKind),
		zap.Error(cause),
	)

	if err := a.record(writeCtx, step, ledger.TransitionFailed, remoteID, cause); err != nil {
		return sr, err
	}
	if err := a.repo.Upsert(writeCtx, entity.MappingEntry{
		Kind:       step.Kind,
		SourceKey:  step.SourceKey,
		ExternalID: step.ExternalID,
		RemoteID:   remoteID,
		Status:     entity.StatusFailed,
	}); err != nil {
		return sr, err
	}

	if auth.IsAuthError(cause) {
		return sr, cause
	}
	return sr, nil
}

func (a *Applier) record(ctx context.Context, step *plan.Step, t ledger.Transition, remoteID string, cause error) error {
	event := ledger.Event{
		RunID:      a.runID,
		StepOrder:  step.Order,
		Kind:       step.Kind,
		SourceKey:  step.SourceKey,
		ExternalID: step.ExternalID,
		RemoteID:   remoteID,
		Transition: t,
	}
	if cause != nil {
		event.ErrorKind = errorKind(cause)
		event.Message = cause.Error()
	}
	if err := a.ledger.Append(ctx, event); err != nil {
		return fmt.Errorf("apply: 写入台账失败: %w", err)
	}
	return nil
}

func (a *Applier) transition(sr *StepResult, to State) {
	a.logger.Debug("步骤状态迁移",
		zap.Int("order", sr.Order),
		zap.String("kind", string(sr.Kind)),
		zap.String("source_key", sr.SourceKey),
		zap.String("from", string(sr.State)),
		zap.String("to", string(to)),
	)
	sr.State = to
}
