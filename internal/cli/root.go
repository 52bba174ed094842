package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"volt-migrate/internal/app"
	"volt-migrate/internal/config"
	"volt-migrate/internal/log"
	"volt-migrate/internal/store"
)

// ErrRunFailed 表示命令执行完毕但存在失败步骤，进程应以非零状态退出。
var ErrRunFailed = errors.New("cli: 存在失败步骤")

// rootConfig 为所有子命令共享的全局参数。
type rootConfig struct {
	ConfigPath string
	LogLevel   string
}

// session 持有一次命令执行期间打开的资源。
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	app    *app.App
	store  *store.Store
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("关闭数据库失败", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// open 加载配置并初始化日志、数据库与 App。tweak 在校验后、初始化前调整配置。
func (rc *rootConfig) open(ctx context.Context, tweak func(*config.Config)) (*session, error) {
	cfg, err := config.Load(rc.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if rc.LogLevel != "" {
		cfg.Logging.Level = rc.LogLevel
	}
	if tweak != nil {
		tweak(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	a, err := app.New(ctx, cfg, logger, st)
	if err != nil {
		_ = st.Close()
		_ = logger.Sync()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, app: a, store: st}, nil
}

// NewRootCmd 创建 migrate 根命令。
func NewRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	rc := &rootConfig{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "将 MT5 导出数据迁移到 TraderVolt",
		Long: `migrate 按依赖顺序把 MT5 导出的品种组、品种、账户、订单、持仓与成交写入 TraderVolt。

常规流程:
  migrate discover    列举远端现有实体
  migrate plan        生成可审阅的迁移计划
  migrate validate    校验计划
  migrate apply       执行计划（需显式确认）
  migrate report      查看运行统计
  migrate cleanup     删除测试前缀写入的数据
  migrate restore     从映射导出文件恢复映射存储`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&rc.ConfigPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	cmd.PersistentFlags().StringVar(&rc.LogLevel, "log-level", "", "覆盖日志级别: debug|info|warn|error")

	cmd.AddCommand(
		newDiscoverCmd(rc),
		newPlanCmd(rc),
		newValidateCmd(rc),
		newApplyCmd(rc),
		newCleanupCmd(rc),
		newReportCmd(rc),
		newRestoreCmd(rc),
	)
	return cmd
}

// Execute 运行根命令。
func Execute(ctx context.Context) error {
	return NewRootCmd(os.Stdin, os.Stdout).ExecuteContext(ctx)
}
