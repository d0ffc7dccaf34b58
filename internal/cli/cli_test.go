package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/board-copier/internal/browser"
	"github.com/ChuLiYu/board-copier/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "boardcopy", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, c.Use)
	}
	for _, want := range []string{"copy", "retry", "inventory", "status", "duplicates"} {
		assert.True(t, names[want], "missing %s command", want)
	}
	assert.False(t, names["login"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, DefaultConfigPath, configFlag.DefValue)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-json"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestCopyCommandFlags(t *testing.T) {
	cmd := buildCopyCommand(&rootOptions{})

	for _, name := range []string{"source", "destination", "rescan"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "false", cmd.Flags().Lookup("rescan").DefValue)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
source: https://www.pinterest.com/someone/ideas/
destination: Recipes
state_dir: /tmp/boardcopy
delay_min: 1s
delay_max: 3s
block_threshold: 10
reuse_inventory: false
browser:
  headless: true
  profile_dir: /home/me/.chrome-profile
  action_timeout: 4s
inventory:
  scroll_pause: 500ms
  stall_threshold: 12
worker:
  picker_wait: 4s
  challenge_indicators: ["captcha"]
metrics:
  enabled: true
  port: 9191
selectors:
  picker:
    by: css
    query: "div.picker"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://www.pinterest.com/someone/ideas/", cfg.Source)
	assert.Equal(t, "Recipes", cfg.Destination)
	assert.Equal(t, "/tmp/boardcopy", cfg.StateDir)
	assert.Equal(t, time.Second, cfg.DelayMin)
	assert.Equal(t, 3*time.Second, cfg.DelayMax)
	assert.Equal(t, 10, cfg.BlockThreshold)
	assert.False(t, cfg.ReuseInventory)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, "/home/me/.chrome-profile", cfg.Browser.ProfileDir)
	assert.Equal(t, 4*time.Second, cfg.Browser.ActionTimeout)
	assert.Equal(t, 30*time.Second, cfg.Browser.NavigateTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Inventory.ScrollPause)
	assert.Equal(t, 12, cfg.Inventory.StallThreshold)
	assert.Equal(t, 4*time.Second, cfg.Worker.PickerWait)
	assert.Equal(t, []string{"captcha"}, cfg.Worker.ChallengeIndicators)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)

	// Untouched values keep their defaults.
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 1200, cfg.Inventory.ScrollStep)

	// Configured selectors win, the rest are filled in.
	assert.Equal(t, browser.CSS("div.picker"), cfg.Selectors.Picker)
	assert.Equal(t, browser.DefaultSelectors().SaveButtons, cfg.Selectors.SaveButtons)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Settings, cfg.Settings)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, "logs", cfg.StateDir)
	assert.Equal(t, 2*time.Second, cfg.DelayMin)
	assert.Equal(t, 5*time.Second, cfg.DelayMax)
	assert.Equal(t, 15, cfg.BlockThreshold)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
source: https://from-file.test/board/
destination: FromFile
`)
	t.Setenv("BOARDCOPY_DESTINATION", "FromEnv")
	t.Setenv("BOARDCOPY_DELAY_MAX", "9s")
	t.Setenv("BOARDCOPY_BROWSER_HEADLESS", "true")
	t.Setenv("BOARDCOPY_BROWSER_ACTION_TIMEOUT", "15s")
	t.Setenv("BOARDCOPY_WORKER_PICKER_WAIT", "7s")
	t.Setenv("BOARDCOPY_INVENTORY_STALL_THRESHOLD", "30")
	t.Setenv("BOARDCOPY_METRICS_PORT", "9999")
	t.Setenv("BOARDCOPY_LOG_LEVEL", "debug")

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://from-file.test/board/", cfg.Source)
	assert.Equal(t, "FromEnv", cfg.Destination)
	assert.Equal(t, 9*time.Second, cfg.DelayMax)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 15*time.Second, cfg.Browser.ActionTimeout)
	assert.Equal(t, 7*time.Second, cfg.Worker.PickerWait)
	assert.Equal(t, 30, cfg.Inventory.StallThreshold)
	assert.Equal(t, 9999, cfg.Metrics.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "bad yaml",
			content: "source: [unterminated",
			errMsg:  "parse config",
		},
		{
			name:    "non-positive scroll pause",
			content: "inventory:\n  scroll_pause: -1s\n",
			errMsg:  "scroll_pause",
		},
		{
			name:    "delay_min above delay_max",
			content: "delay_min: 6s\ndelay_max: 2s\n",
			errMsg:  "invalid delays",
		},
		{
			name:    "negative delay",
			content: "delay_min: -1s\ndelay_max: 2s\n",
			errMsg:  "invalid delays",
		},
		{
			name:    "non-positive action timeout",
			content: "browser:\n  action_timeout: 0s\n",
			errMsg:  "action_timeout",
		},
		{
			name:    "metrics port out of range",
			content: "metrics:\n  enabled: true\n  port: 70000\n",
			errMsg:  "metrics.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadConfig_DelayHint(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "delay_min: 6s\ndelay_max: 2s\n"))
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "delay_min <= delay_max")
}

func TestRequireTarget(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.requireSource()
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "--source")
	require.Error(t, cfg.requireDestination())

	cfg.Source = "https://www.pinterest.com/someone/ideas/"
	cfg.Destination = "Recipes"
	assert.NoError(t, cfg.requireSource())
	assert.NoError(t, cfg.requireDestination())
}

func TestControllerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Source = "https://www.pinterest.com/someone/ideas/"
	cfg.Destination = "Recipes"

	cc := cfg.controllerConfig()
	assert.Equal(t, cfg.Source, cc.Source)
	assert.Equal(t, cfg.Destination, cc.Destination)
	assert.Equal(t, cfg.StateDir, cc.StateDir)
	assert.Equal(t, cfg.DelayMin, cc.DelayMin)
	assert.Equal(t, cfg.DelayMax, cc.DelayMax)
	assert.Equal(t, cfg.BlockThreshold, cc.BlockThreshold)
	assert.True(t, cc.ReuseInventory)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 130, ExitCode(errors.Wrap(types.ErrInterrupted, "stopped")))
	assert.Equal(t, 2, ExitCode(errors.WithHint(types.ErrLikelyBlocked, "pause")))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
}

func TestStatusCommand_EmptyStateDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "state_dir: "+dir+"\n")

	cmd := BuildCLI()
	cmd.SetArgs([]string{"status", "--config", path})
	require.NoError(t, cmd.Execute())
}

func TestDuplicatesCommand_WritesReport(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "state_dir: "+dir+"\n")

	cmd := BuildCLI()
	cmd.SetArgs([]string{"duplicates", "-c", path})
	require.NoError(t, cmd.Execute())

	assert.FileExists(t, filepath.Join(dir, "duplicates.json"))
}
