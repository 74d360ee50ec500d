package config

import (
	"time"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Settings SettingsConfig
	Backup   BackupConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// SettingsConfig tunes the settings core. Timeout bounds every round trip
// to the daemon.
type SettingsConfig struct {
	ShortcutSlots int
	Timeout       time.Duration
}

type BackupConfig struct {
	Dir string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Settings: SettingsConfig{
			ShortcutSlots: 10,
			Timeout:       10 * time.Second,
		},
		Backup: BackupConfig{
			Dir: defaultBackupDir(),
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/boxset/config.json, then applies BOXSET_* environment
// overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Settings.ShortcutSlots <= 0 {
		cfg.Settings.ShortcutSlots = 10
	}
	if cfg.Settings.Timeout <= 0 {
		cfg.Settings.Timeout = 10 * time.Second
	}
	return cfg, nil
}
