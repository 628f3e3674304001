package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/nelssec/soak/internal/container"
	"github.com/nelssec/soak/internal/publish"
	"github.com/nelssec/soak/internal/sandbox"
	"github.com/nelssec/soak/internal/scanner"
	"github.com/nelssec/soak/internal/update"
)

var logger = log.WithField("package", "config")

type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Detect  DetectConfig  `mapstructure:"detect"`
	Update  UpdateConfig  `mapstructure:"update"`
	Publish PublishConfig `mapstructure:"publish"`
	Build   BuildConfig   `mapstructure:"build"`
}

type EngineConfig struct {
	Image string `mapstructure:"image"`
}

type RuntimeConfig struct {
	Preference []string `mapstructure:"preference"`
}

type SandboxConfig struct {
	Strategy       string        `mapstructure:"strategy"`
	OutputDir      string        `mapstructure:"output_dir"`
	RemoveAttempts int           `mapstructure:"remove_attempts"`
	RemoveBackoff  time.Duration `mapstructure:"remove_backoff"`
}

type ScanConfig struct {
	Workers     int           `mapstructure:"workers"`
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

type DetectConfig struct {
	Ignore []string `mapstructure:"ignore"`
}

type UpdateConfig struct {
	Skip        bool          `mapstructure:"skip"`
	Force       bool          `mapstructure:"force"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxImageAge time.Duration `mapstructure:"max_image_age"`
	StampFile   string        `mapstructure:"stamp_file"`
}

type PublishConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// BuildConfig identifies the engine build. Inside the sandbox it is fed by
// the SOAK_* variables the host passes in.
type BuildConfig struct {
	Version string `mapstructure:"version"`
	Commit  string `mapstructure:"commit"`
	Branch  string `mapstructure:"branch"`
}

var cfg *Config

func InitConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "soak"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("engine.image", "SOAK_IMAGE")
	viper.BindEnv("build.version", "SOAK_VERSION")
	viper.BindEnv("build.commit", "SOAK_COMMIT")
	viper.BindEnv("build.branch", "SOAK_BRANCH")
	viper.BindEnv("publish.endpoint", "SOAK_PUBLISH_ENDPOINT")
	viper.BindEnv("publish.bucket", "SOAK_PUBLISH_BUCKET")
	viper.BindEnv("publish.access_key", "SOAK_PUBLISH_ACCESS_KEY")
	viper.BindEnv("publish.secret_key", "SOAK_PUBLISH_SECRET_KEY")

	viper.SetDefault("engine.image", "soak-engine")
	viper.SetDefault("runtime.preference", container.DefaultPreference)
	viper.SetDefault("sandbox.strategy", string(sandbox.StrategyCopy))
	viper.SetDefault("sandbox.output_dir", "./soak_reports")
	viper.SetDefault("sandbox.remove_attempts", 3)
	viper.SetDefault("sandbox.remove_backoff", time.Second)
	viper.SetDefault("scan.tool_timeout", 15*time.Minute)
	viper.SetDefault("update.interval", 24*time.Hour)
	viper.SetDefault("update.max_image_age", 14*24*time.Hour)
	viper.SetDefault("publish.use_ssl", true)
	viper.SetDefault("publish.prefix", "soak")
	viper.SetDefault("build.version", "unknown-build")
	viper.SetDefault("build.commit", "none")
	viper.SetDefault("build.branch", "none")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logger.WithError(err).Warn("failed to read config file")
		}
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		logger.WithError(err).Warn("failed to decode config")
	}
}

func Get() *Config {
	if cfg == nil {
		InitConfig("")
	}
	return cfg
}

func (c *Config) Validate() error {
	if _, err := sandbox.ParseStrategy(c.Sandbox.Strategy); err != nil {
		return err
	}
	for _, name := range c.Runtime.Preference {
		kind := container.Kind(name)
		if kind != container.KindPodman && kind != container.KindDocker {
			return fmt.Errorf("unsupported container runtime %q in runtime.preference", name)
		}
	}
	if c.Engine.Image == "" {
		return fmt.Errorf("engine image required. Set via engine.image, SOAK_IMAGE, or config file")
	}
	if c.Scan.Workers < 0 {
		return fmt.Errorf("scan.workers must not be negative")
	}
	if c.Publish.Enabled && !c.PublishConfig().Enabled() {
		return fmt.Errorf("publishing requires publish.endpoint and publish.bucket")
	}
	return nil
}

func (c *Config) GetStrategy() sandbox.Strategy {
	s, err := sandbox.ParseStrategy(c.Sandbox.Strategy)
	if err != nil {
		return sandbox.StrategyCopy
	}
	return s
}

func (c *Config) GetOutputDir() string {
	if c.Sandbox.OutputDir != "" {
		return c.Sandbox.OutputDir
	}
	return "./soak_reports"
}

func (c *Config) GetStampFile() string {
	if c.Update.StampFile != "" {
		return c.Update.StampFile
	}
	return update.DefaultStampFile()
}

// EngineInfo is the identity stamped into every summary.
func (c *Config) EngineInfo() scanner.EngineInfo {
	info := scanner.EngineInfo{
		Version: c.Build.Version,
		Commit:  c.Build.Commit,
		Branch:  c.Build.Branch,
	}
	if info.Version == "" {
		info.Version = "unknown-build"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Branch == "" {
		info.Branch = "none"
	}
	return info
}

func (c *Config) PublishConfig() publish.Config {
	return publish.Config{
		Endpoint:  c.Publish.Endpoint,
		Region:    c.Publish.Region,
		Bucket:    c.Publish.Bucket,
		AccessKey: c.Publish.AccessKey,
		SecretKey: c.Publish.SecretKey,
		UseSSL:    c.Publish.UseSSL,
		Prefix:    c.Publish.Prefix,
	}
}
