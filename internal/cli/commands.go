package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"volt-migrate/internal/app"
	"volt-migrate/internal/config"
	"volt-migrate/internal/entity"
)

// parseKinds 解析 --kind 取值，接受类型名或端点名。
func parseKinds(values []string) ([]entity.Kind, error) {
	kinds := make([]entity.Kind, 0, len(values))
	for _, v := range values {
		kind, err := entity.ParseKind(v)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func newDiscoverCmd(rc *rootConfig) *cobra.Command {
	var kindNames []string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "只读列举远端实体并写入发现目录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(kindNames)
			if err != nil {
				return err
			}

			s, err := rc.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.app.Discover(cmd.Context(), kinds...)
			if err != nil {
				return err
			}
			s.logger.Info("发现结果已保存", zap.String("dir", s.cfg.Paths.DiscoveryDir))
			return printSnapshot(cmd.OutOrStdout(), snap)
		},
	}

	cmd.Flags().StringSliceVar(&kindNames, "kind", nil, "只列举指定类型，可重复或逗号分隔，默认全部")
	return cmd
}

func newRestoreCmd(rc *rootConfig) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "从映射导出文件恢复映射存储",
		Long: `restore 读取 apply 导出的映射文件（默认 paths.mappings_file）并写回映射存储，
用于数据库文件丢失后重建映射，已存在的条目被覆盖。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rc.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.app.RestoreMappings(cmd.Context(), from)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored=%d\n", n)
			return err
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "映射文件路径，默认使用 paths.mappings_file")
	return cmd
}

type planFlags struct {
	adopt       bool
	testMode    bool
	prefix      string
	limit       int
	mergePolicy string
	sourceDir   string
	records     string
}

func newPlanCmd(rc *rootConfig) *cobra.Command {
	f := &planFlags{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "读取导出文件并生成迁移计划",
		Long: `plan 读取导出文件，按类型依赖顺序生成计划并写入 paths.plan_file。
相同输入与映射状态下生成的计划文件字节一致，不访问远端。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			s, err := rc.open(cmd.Context(), func(cfg *config.Config) {
				if flags.Changed("test-mode") {
					cfg.Planner.TestMode = f.testMode
				}
				if flags.Changed("prefix") {
					cfg.Planner.TestMode = true
					cfg.Planner.TestPrefix = f.prefix
				}
				if flags.Changed("limit") {
					cfg.Planner.Limit = f.limit
				}
				if flags.Changed("merge-policy") {
					cfg.Planner.MergePolicy = f.mergePolicy
				}
				if flags.Changed("source-dir") {
					cfg.Paths.SourceDir = f.sourceDir
				}
				if flags.Changed("records") {
					cfg.Paths.RecordsFile = f.records
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			p, err := s.app.Plan(app.PlanOptions{Adopt: f.adopt})
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), p)
		},
	}

	cmd.Flags().BoolVar(&f.adopt, "adopt", false, "按发现结果接管远端已存在的同名实体")
	cmd.Flags().BoolVar(&f.testMode, "test-mode", false, "为外部标识与名称加测试前缀")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "指定测试前缀（隐含 --test-mode），须以 MIG_TEST_ 开头")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "每个类型最多取前 N 条，0 表示不限")
	cmd.Flags().StringVar(&f.mergePolicy, "merge-policy", "", "同键记录合并策略: later_wins|earlier_wins|reject")
	cmd.Flags().StringVar(&f.sourceDir, "source-dir", "", "MT5 导出目录")
	cmd.Flags().StringVar(&f.records, "records", "", "归一化记录 JSON 文件，设置后忽略导出目录")
	return cmd
}

func newValidateCmd(rc *rootConfig) *cobra.Command {
	var remote bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "校验计划结构、依赖与输入是否一致",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rc.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.app.Validate(app.ValidateOptions{Remote: remote})
			if err != nil {
				return err
			}
			if err := printPlan(cmd.OutOrStdout(), report.Plan); err != nil {
				return err
			}
			if len(report.Conflicts) > 0 {
				return printJSON(cmd.OutOrStdout(), report)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&remote, "remote", false, "对照发现目录报告远端自然键冲突")
	return cmd
}

func newReportCmd(rc *rootConfig) *cobra.Command {
	var runID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "输出某次运行的台账统计",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rc.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.app.Report(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if asJSON {
				err = printJSON(cmd.OutOrStdout(), stats)
			} else {
				err = printStats(cmd.OutOrStdout(), stats)
			}
			if err != nil {
				return err
			}
			if stats.HasFailures() {
				return ErrRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "运行 ID，默认最近一次")
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出")
	return cmd
}
