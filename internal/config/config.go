package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "volt"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 未显式指定路径且默认配置文件不存在时，仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case !explicit && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)):
		case errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("api.base_url", "https://api.tradervolt.com")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.requests_per_second", 1.0)
	v.SetDefault("api.retry.max_retries", 3)
	v.SetDefault("api.retry.base_delay", "1s")
	v.SetDefault("api.retry.max_delay", "30s")
	v.SetDefault("api.retry.jitter", 0.2)

	v.SetDefault("auth.email", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.access_token", "")
	v.SetDefault("auth.static_token_ttl", "5m")
	v.SetDefault("auth.token_file", "token.json")
	v.SetDefault("auth.refresh_margin", "60s")

	v.SetDefault("planner.limit", 0)
	v.SetDefault("planner.test_mode", false)
	v.SetDefault("planner.test_prefix", "")
	v.SetDefault("planner.merge_policy", "later_wins")

	v.SetDefault("paths.source_dir", "migration_files")
	v.SetDefault("paths.records_file", "")
	v.SetDefault("paths.plan_file", "out/migration_plan.json")
	v.SetDefault("paths.mappings_file", "out/mappings.json")
	v.SetDefault("paths.discovery_dir", "out/discovery")
	v.SetDefault("paths.report_file", "out/results/summary.json")

	v.SetDefault("database.path", "data/migration.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stderr"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("status.port", 0)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
