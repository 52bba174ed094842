package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了迁移工具运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	API      APIConfig      `mapstructure:"api"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Status   StatusConfig   `mapstructure:"status"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// APIConfig 描述远端交易平台 API 的连接参数。
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     float64       `mapstructure:"jitter"`
}

// AuthConfig 描述凭据来源与令牌持久化。
type AuthConfig struct {
	Email          string        `mapstructure:"email"`
	Password       string        `mapstructure:"password"`
	AccessToken    string        `mapstructure:"access_token"`
	StaticTokenTTL time.Duration `mapstructure:"static_token_ttl"`
	TokenFile      string        `mapstructure:"token_file"`
	RefreshMargin  time.Duration `mapstructure:"refresh_margin"`
}

// PlannerConfig 控制计划生成。
type PlannerConfig struct {
	Limit       int    `mapstructure:"limit"`
	TestMode    bool   `mapstructure:"test_mode"`
	TestPrefix  string `mapstructure:"test_prefix"`
	MergePolicy string `mapstructure:"merge_policy"`
}

// PathsConfig 汇总各类输入输出文件路径。
type PathsConfig struct {
	SourceDir    string `mapstructure:"source_dir"`
	RecordsFile  string `mapstructure:"records_file"`
	PlanFile     string `mapstructure:"plan_file"`
	MappingsFile string `mapstructure:"mappings_file"`
	DiscoveryDir string `mapstructure:"discovery_dir"`
	ReportFile   string `mapstructure:"report_file"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// StatusConfig 控制执行期间的状态查询接口，端口为 0 时不启动。
type StatusConfig struct {
	Port int `mapstructure:"port"`
}

var mergePolicies = []string{"later_wins", "earlier_wins", "reject"}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.API.BaseURL == "" {
		err = multierr.Append(err, errors.New("api.base_url 不能为空"))
	} else if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		err = multierr.Append(err, fmt.Errorf("api.base_url 必须为 http(s) 地址: %q", c.API.BaseURL))
	}
	if c.API.Timeout <= 0 {
		err = multierr.Append(err, errors.New("api.timeout 必须大于0"))
	}
	if c.API.RequestsPerSecond <= 0 {
		err = multierr.Append(err, errors.New("api.requests_per_second 必须大于0"))
	}
	if c.API.Retry.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("api.retry.max_retries 不能为负"))
	}
	if c.API.Retry.BaseDelay <= 0 || c.API.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("api.retry.delay 必须为正"))
	}
	if c.API.Retry.BaseDelay > c.API.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("api.retry.base_delay 不能大于 max_delay"))
	}
	if c.API.Retry.Jitter < 0 || c.API.Retry.Jitter > 1 {
		err = multierr.Append(err, errors.New("api.retry.jitter 应位于[0,1]"))
	}
	if c.Auth.TokenFile == "" {
		err = multierr.Append(err, errors.New("auth.token_file 不能为空"))
	}
	if c.Auth.RefreshMargin < 0 {
		err = multierr.Append(err, errors.New("auth.refresh_margin 不能为负"))
	}
	if c.Auth.AccessToken != "" && c.Auth.StaticTokenTTL <= 0 {
		err = multierr.Append(err, errors.New("auth.static_token_ttl 必须大于0"))
	}
	if (c.Auth.Email == "") != (c.Auth.Password == "") {
		err = multierr.Append(err, errors.New("auth.email 与 auth.password 需同时配置"))
	}
	if c.Planner.Limit < 0 {
		err = multierr.Append(err, errors.New("planner.limit 不能为负"))
	}
	if c.Planner.TestPrefix != "" && !strings.HasPrefix(c.Planner.TestPrefix, "MIG_TEST_") {
		err = multierr.Append(err, fmt.Errorf("planner.test_prefix 必须以 MIG_TEST_ 开头: %q", c.Planner.TestPrefix))
	}
	if !contains(mergePolicies, c.Planner.MergePolicy) {
		err = multierr.Append(err, fmt.Errorf("planner.merge_policy 取值无效 %q，可选 %v", c.Planner.MergePolicy, mergePolicies))
	}
	if c.Paths.PlanFile == "" {
		err = multierr.Append(err, errors.New("paths.plan_file 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		err = multierr.Append(err, errors.New("status.port 应位于[0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
