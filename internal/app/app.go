package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"volt-migrate/internal/apply"
	"volt-migrate/internal/auth"
	"volt-migrate/internal/cleanup"
	"volt-migrate/internal/config"
	"volt-migrate/internal/discover"
	"volt-migrate/internal/entity"
	"volt-migrate/internal/ledger"
	"volt-migrate/internal/plan"
	"volt-migrate/internal/repository"
	"volt-migrate/internal/source"
	"volt-migrate/internal/store"
	"volt-migrate/internal/transport"
)

// ErrStalePlan 表示计划与当前输入不一致，需重新生成。
var ErrStalePlan = errors.New("app: 计划已过期")

// App 聚合核心依赖，为各子命令提供入口。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	repo   *repository.Repository
	ledger *ledger.Ledger
	now    func() time.Time

	// remote 延迟创建，离线命令不需要凭据
	remote *transport.Client
}

// New 创建 App 实例并加载映射存储与台账。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	repo, err := repository.New(ctx, st.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化映射存储失败: %w", err)
	}
	l, err := ledger.New(st.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化结果台账失败: %w", err)
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		repo:   repo,
		ledger: l,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithRemote 使用给定客户端替代按配置创建的客户端。
func (a *App) WithRemote(client *transport.Client) *App {
	a.remote = client
	return a
}

// Repository 返回映射存储。
func (a *App) Repository() *repository.Repository {
	return a.repo
}

// Remote 返回远端客户端，首次调用时初始化凭据管理器。
func (a *App) Remote() (*transport.Client, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	manager, err := auth.NewManager(
		auth.NewHTTPAuthenticator(a.cfg.API.BaseURL, a.cfg.API.Timeout),
		auth.Options{
			Email:          a.cfg.Auth.Email,
			Password:       a.cfg.Auth.Password,
			StaticToken:    a.cfg.Auth.AccessToken,
			StaticTokenTTL: a.cfg.Auth.StaticTokenTTL,
			RefreshMargin:  a.cfg.Auth.RefreshMargin,
			File:           auth.TokenFile{Path: a.cfg.Auth.TokenFile},
		},
		a.logger,
	)
	if err != nil {
		return nil, fmt.Errorf("初始化凭据管理失败: %w", err)
	}
	a.remote = transport.NewClient(a.cfg.API, manager, a.logger)
	return a.remote, nil
}

// Prefix 返回本次运行的外部标识前缀，仅测试模式下非空。
func (a *App) Prefix() string {
	if !a.cfg.Planner.TestMode {
		return ""
	}
	if a.cfg.Planner.TestPrefix != "" {
		return a.cfg.Planner.TestPrefix
	}
	return entity.TestPrefix(a.now())
}

// LoadInput 读取输入：优先使用归一化记录文件，否则解析 MT5 导出目录。
func (a *App) LoadInput() ([][]entity.Record, error) {
	if path := a.cfg.Paths.RecordsFile; path != "" {
		records, err := entity.LoadRecords(path)
		if err != nil {
			return nil, err
		}
		return [][]entity.Record{records}, nil
	}
	return source.NewLoader(a.cfg.Paths.SourceDir, a.logger).Load()
}

// Discover 列举远端实体并写入发现目录，kinds 为空时列举全部类型。
func (a *App) Discover(ctx context.Context, kinds ...entity.Kind) (*discover.Snapshot, error) {
	client, err := a.Remote()
	if err != nil {
		return nil, err
	}
	snap, err := discover.NewService(client, plan.DefaultSpecs, a.logger).Discover(ctx, kinds...)
	if err != nil {
		return nil, err
	}
	if err := snap.Save(a.cfg.Paths.DiscoveryDir); err != nil {
		return nil, err
	}
	return snap, nil
}

// PlanOptions 控制计划生成。
type PlanOptions struct {
	// Adopt 为真时读取发现目录，远端已存在的实体生成接管步骤。
	Adopt bool
}

// Plan 生成计划并写入计划文件。
func (a *App) Plan(opts PlanOptions) (*plan.Plan, error) {
	batches, err := a.LoadInput()
	if err != nil {
		return nil, err
	}
	policy, err := plan.ParseMergePolicy(a.cfg.Planner.MergePolicy)
	if err != nil {
		return nil, err
	}

	planner := plan.NewPlanner(a.repo, plan.Options{
		Prefix:      a.Prefix(),
		Limit:       a.cfg.Planner.Limit,
		MergePolicy: policy,
	}, a.logger)
	if opts.Adopt {
		snap, err := discover.LoadSnapshot(a.cfg.Paths.DiscoveryDir)
		if err != nil {
			return nil, err
		}
		planner.WithDiscovery(discover.NewIndex(snap, plan.DefaultSpecs))
	}

	p, err := planner.BuildBatches(batches...)
	if err != nil {
		return nil, err
	}
	if err := p.Save(a.cfg.Paths.PlanFile); err != nil {
		return nil, err
	}
	a.logger.Info("计划已生成",
		zap.String("path", a.cfg.Paths.PlanFile),
		zap.Int("steps", p.Counts.Total),
		zap.Int("unresolved_references", p.Counts.UnresolvedReferences),
		zap.String("input_hash", p.InputHash),
	)
	return p, nil
}

// ValidationReport 汇总计划校验结果。冲突仅作提示。
type ValidationReport struct {
	Plan      *plan.Plan          `json:"-"`
	Conflicts []discover.Conflict `json:"conflicts,omitempty"`
}

// ValidateOptions 控制计划校验。
type ValidateOptions struct {
	// Remote 为真时读取发现目录，报告自然键冲突。
	Remote bool
}

// Validate 检查计划结构与新鲜度。
func (a *App) Validate(opts ValidateOptions) (*ValidationReport, error) {
	p, err := a.loadPlan()
	if err != nil {
		return nil, err
	}
	report := &ValidationReport{Plan: p}
	if opts.Remote {
		snap, err := discover.LoadSnapshot(a.cfg.Paths.DiscoveryDir)
		if err != nil {
			return report, err
		}
		report.Conflicts = discover.NewIndex(snap, plan.DefaultSpecs).Conflicts(p)
		for _, c := range report.Conflicts {
			a.logger.Warn("远端已存在同名实体",
				zap.String("kind", string(c.Kind)),
				zap.String("source_key", c.SourceKey),
				zap.String("natural_key", c.NaturalKey),
				zap.String("remote_id", c.RemoteID),
			)
		}
	}
	return report, nil
}

// loadPlan 读取计划并检查结构与输入哈希。
func (a *App) loadPlan() (*plan.Plan, error) {
	p, err := plan.Load(a.cfg.Paths.PlanFile)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(p, plan.DefaultSpecs); err != nil {
		return p, err
	}
	batches, err := a.LoadInput()
	if err != nil {
		return p, err
	}
	if err := plan.CheckStale(p, batches...); err != nil {
		return p, fmt.Errorf("%w: %w", ErrStalePlan, err)
	}
	return p, nil
}

// Apply 执行计划，结束后导出映射并写入汇总报告。
func (a *App) Apply(ctx context.Context) (*apply.Result, error) {
	p, err := a.loadPlan()
	if err != nil {
		return nil, err
	}
	client, err := a.Remote()
	if err != nil {
		return nil, err
	}

	applier := apply.NewApplier(client, a.repo, a.ledger, a.logger)
	if port := a.cfg.Status.Port; port > 0 {
		statusCtx, stop := context.WithCancel(ctx)
		defer stop()
		startStatusServer(statusCtx, a.ledger, applier.RunID(), port, a.logger)
	}

	started := a.now()
	result, runErr := applier.Apply(ctx, p)

	if result != nil {
		if err := a.repo.Export(a.cfg.Paths.MappingsFile); err != nil {
			a.logger.Error("导出映射失败", zap.Error(err))
		}
		if err := a.writeReport(newRunReport(p, result, started, a.now())); err != nil {
			a.logger.Error("写入汇总报告失败", zap.Error(err))
		}
	}
	return result, runErr
}

// Cleanup 按前缀删除测试写入。
func (a *App) Cleanup(ctx context.Context, opts cleanup.Options) (*cleanup.Report, error) {
	client, err := a.Remote()
	if err != nil {
		return nil, err
	}
	report, err := cleanup.NewCleaner(client, a.repo, plan.DefaultSpecs, a.logger).Run(ctx, opts)
	if report != nil && !opts.DryRun {
		if exportErr := a.repo.Export(a.cfg.Paths.MappingsFile); exportErr != nil {
			a.logger.Error("导出映射失败", zap.Error(exportErr))
		}
	}
	return report, err
}

// RestoreMappings 从映射导出文件恢复映射存储，path 为空时使用 paths.mappings_file。
func (a *App) RestoreMappings(ctx context.Context, path string) (int, error) {
	if path == "" {
		path = a.cfg.Paths.MappingsFile
	}
	n, err := a.repo.Import(ctx, path)
	if err != nil {
		return n, err
	}
	a.logger.Info("映射已恢复", zap.String("path", path), zap.Int("entries", n))
	return n, nil
}

// Report 返回指定运行（为空时最近一次）的台账统计。
func (a *App) Report(ctx context.Context, runID string) (ledger.Stats, error) {
	if runID == "" {
		latest, err := a.ledger.LatestRun(ctx)
		if err != nil {
			return ledger.Stats{}, err
		}
		if latest == "" {
			return ledger.Stats{}, errors.New("app: 台账中没有任何运行记录")
		}
		runID = latest
	}
	return a.ledger.Stats(ctx, runID)
}

// RunReport 为写入 report_file 的运行汇总。
type RunReport struct {
	RunID      string                           `json:"runId"`
	InputHash  string                           `json:"inputHash"`
	Prefix     string                           `json:"prefix,omitempty"`
	StartedAt  time.Time                        `json:"startedAt"`
	FinishedAt time.Time                        `json:"finishedAt"`
	Cancelled  bool                             `json:"cancelled"`
	Totals     apply.KindStats                  `json:"totals"`
	Stats      map[entity.Kind]*apply.KindStats `json:"stats"`
	Failures   []apply.StepResult               `json:"failures"`
}

func newRunReport(p *plan.Plan, result *apply.Result, started, finished time.Time) RunReport {
	r := RunReport{
		RunID:      result.RunID,
		InputHash:  p.InputHash,
		Prefix:     p.Prefix,
		StartedAt:  started,
		FinishedAt: finished,
		Cancelled:  result.Cancelled,
		Totals:     result.Totals,
		Stats:      result.Stats,
		Failures:   make([]apply.StepResult, 0),
	}
	for _, s := range result.Steps {
		if s.Outcome == apply.OutcomeFailed {
			r.Failures = append(r.Failures, s)
		}
	}
	return r
}

func (a *App) writeReport(r RunReport) error {
	path := a.cfg.Paths.ReportFile
	if path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化汇总报告失败: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建报告目录失败: %w", err)
		}
	}
	return os.WriteFile(path, raw, 0o644)
}
