package cli

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/board-copier/internal/browser"
	"github.com/ChuLiYu/board-copier/internal/controller"
	"github.com/ChuLiYu/board-copier/internal/inventory"
	"github.com/ChuLiYu/board-copier/internal/worker"
)

// EnvPrefix prefixes every environment override, e.g. BOARDCOPY_SOURCE or
// BOARDCOPY_WORKER_PICKER_WAIT.
const EnvPrefix = "BOARDCOPY_"

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// Config is the complete runtime configuration. Everything in Settings may be
// overridden from the environment; selectors come from the file only.
type Config struct {
	Settings  `yaml:",inline"`
	Selectors browser.Selectors `yaml:"selectors"`
}

// Settings holds the environment-overridable part of Config.
type Settings struct {
	Source      string `yaml:"source" env:"SOURCE"`
	Destination string `yaml:"destination" env:"DESTINATION"`
	StateDir    string `yaml:"state_dir" env:"STATE_DIR"`

	DelayMin        time.Duration `yaml:"delay_min" env:"DELAY_MIN"`
	DelayMax        time.Duration `yaml:"delay_max" env:"DELAY_MAX"`
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	BlockThreshold  int           `yaml:"block_threshold" env:"BLOCK_THRESHOLD"`
	BlockCheckEvery int           `yaml:"block_check_every" env:"BLOCK_CHECK_EVERY"`
	CheckpointEvery int           `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY"`
	ReuseInventory  bool          `yaml:"reuse_inventory" env:"REUSE_INVENTORY"`

	Browser   BrowserConfig    `yaml:"browser" envPrefix:"BROWSER_"`
	Inventory inventory.Config `yaml:"inventory" envPrefix:"INVENTORY_"`
	Worker    worker.Config    `yaml:"worker" envPrefix:"WORKER_"`
	Metrics   MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Log       LogConfig        `yaml:"log" envPrefix:"LOG_"`
}

type BrowserConfig struct {
	Headless        bool          `yaml:"headless" env:"HEADLESS"`
	ProfileDir      string        `yaml:"profile_dir" env:"PROFILE_DIR"`
	ExecPath        string        `yaml:"exec_path" env:"EXEC_PATH"`
	WindowWidth     int           `yaml:"window_width" env:"WINDOW_WIDTH"`
	WindowHeight    int           `yaml:"window_height" env:"WINDOW_HEIGHT"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout" env:"NAVIGATE_TIMEOUT"`
	ActionTimeout   time.Duration `yaml:"action_timeout" env:"ACTION_TIMEOUT"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Port    int  `yaml:"port" env:"PORT"`
}

type LogConfig struct {
	JSON  bool   `yaml:"json" env:"JSON"`
	Level string `yaml:"level" env:"LEVEL"`
}

// DefaultConfig mirrors configs/default.yaml minus the source and destination.
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			StateDir:        "logs",
			DelayMin:        2 * time.Second,
			DelayMax:        5 * time.Second,
			BatchSize:       50,
			BlockThreshold:  15,
			BlockCheckEvery: 1,
			CheckpointEvery: 1,
			ReuseInventory:  true,
			Browser: BrowserConfig{
				Headless:        false,
				NavigateTimeout: 30 * time.Second,
				ActionTimeout:   10 * time.Second,
			},
			Inventory: inventory.DefaultConfig(),
			Worker:    worker.DefaultConfig(),
			Metrics:   MetricsConfig{Port: 9090},
			Log:       LogConfig{Level: "info"},
		},
		Selectors: browser.DefaultSelectors(),
	}
}

// loadConfig layers defaults, the YAML file and the environment, then checks
// the values that do not depend on the command. A missing file is not an
// error.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := env.ParseWithOptions(&cfg.Settings, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	cfg.Selectors = cfg.Selectors.Merge(browser.DefaultSelectors())

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Inventory.ScrollPause <= 0 {
		return errors.WithHint(
			errors.Newf("invalid inventory.scroll_pause %s", c.Inventory.ScrollPause),
			"The scroll pause must be positive.")
	}
	if c.Browser.ActionTimeout <= 0 {
		return errors.Newf("invalid browser.action_timeout %s", c.Browser.ActionTimeout)
	}
	if c.DelayMin < 0 || c.DelayMax < c.DelayMin {
		return errors.WithHint(
			errors.Newf("invalid delays: delay_min=%s delay_max=%s", c.DelayMin, c.DelayMax),
			"Use 0 <= delay_min <= delay_max.")
	}
	if c.BlockThreshold < 0 || c.BatchSize < 0 {
		return errors.New("block_threshold and batch_size must not be negative")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.Newf("invalid metrics.port %d", c.Metrics.Port)
	}
	return nil
}

// requireSource is checked by commands that scan the source collection.
func (c *Config) requireSource() error {
	if c.Source == "" {
		return errors.WithHint(errors.New("source collection URL is required"),
			"Set `source` in the config file, BOARDCOPY_SOURCE, or pass --source.")
	}
	return nil
}

// requireDestination is checked by commands that save items.
func (c *Config) requireDestination() error {
	if c.Destination == "" {
		return errors.WithHint(errors.New("destination collection name is required"),
			"Set `destination` in the config file, BOARDCOPY_DESTINATION, or pass --destination.")
	}
	return nil
}

func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		Source:          c.Source,
		Destination:     c.Destination,
		StateDir:        c.StateDir,
		DelayMin:        c.DelayMin,
		DelayMax:        c.DelayMax,
		BatchSize:       c.BatchSize,
		BlockThreshold:  c.BlockThreshold,
		BlockCheckEvery: c.BlockCheckEvery,
		CheckpointEvery: c.CheckpointEvery,
		ReuseInventory:  c.ReuseInventory,
	}
}
