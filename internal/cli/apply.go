package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"volt-migrate/internal/app"
	"volt-migrate/internal/cleanup"
)

const (
	confirmPhrase  = "MIGRATE"
	applyFlag      = "apply"
	understandFlag = "i-understand-this-will-write-to-tradervolt"
)

var (
	// ErrWriteNotEnabled 表示未同时给出两个写入开关。
	ErrWriteNotEnabled = fmt.Errorf("cli: 写入需要同时指定 --%s 与 --%s", applyFlag, understandFlag)
	// ErrNotConfirmed 表示交互确认未通过。
	ErrNotConfirmed = errors.New("cli: 未输入确认短语，已中止")
)

// confirm 读取一行输入，仅当与确认短语完全一致时返回 nil。
func confirm(in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "输入 '%s' 确认写入远端: ", confirmPhrase)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return ErrNotConfirmed
	}
	if strings.TrimSpace(scanner.Text()) != confirmPhrase {
		return ErrNotConfirmed
	}
	return nil
}

func newApplyCmd(rc *rootConfig) *cobra.Command {
	var enable, understand bool

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "执行计划，向远端写入实体",
		Long: `apply 按计划顺序创建并回读确认实体，可重复执行，已确认的实体会被跳过。
需要同时指定 --apply 与 --i-understand-this-will-write-to-tradervolt，并在提示时输入 MIGRATE。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !enable || !understand {
				return ErrWriteNotEnabled
			}

			s, err := rc.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			report, err := s.app.Validate(app.ValidateOptions{})
			if err != nil {
				return err
			}
			if err := printPlan(out, report.Plan); err != nil {
				return err
			}
			if err := confirm(cmd.InOrStdin(), out); err != nil {
				return err
			}

			result, err := s.app.Apply(cmd.Context())
			if result != nil {
				if printErr := printResult(out, result); printErr != nil {
					s.logger.Warn("输出运行结果失败", zap.Error(printErr))
				}
			}
			if err != nil {
				return err
			}
			if result.HasFailures() {
				return ErrRunFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&enable, applyFlag, false, "启用写入")
	cmd.Flags().BoolVar(&understand, understandFlag, false, "确认了解本命令会写入 TraderVolt")
	return cmd
}

func newCleanupCmd(rc *rootConfig) *cobra.Command {
	opts := cleanup.Options{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "按逆依赖顺序删除带测试前缀的实体",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rc.open(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.app.Cleanup(cmd.Context(), opts)
			if report != nil {
				if printErr := printCleanup(cmd.OutOrStdout(), report); printErr != nil {
					s.logger.Warn("输出清理结果失败", zap.Error(printErr))
				}
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return ErrRunFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Prefix, "prefix", "MIG_TEST_", "待删除实体的外部标识前缀，须以 MIG_TEST_ 开头")
	cmd.Flags().BoolVar(&opts.RemoteScan, "remote-scan", false, "同时扫描远端名称带前缀的实体")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "只列出待删除实体")
	return cmd
}
