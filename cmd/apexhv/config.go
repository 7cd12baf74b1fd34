package main

import (
	"os"
	"path/filepath"
	"time"

	"apexhv/internal/hypervisor/isolation"
	"apexhv/internal/hypervisor/journal"
	"apexhv/internal/hypervisor/status"
	apperrors "apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath  = "configs/apexhv.yaml"
	defaultHelperName  = "partition-init"
	defaultKillTimeout = 2 * time.Second
	defaultLogFormat   = "console"
)

// IsolationConfig selects how partitions are contained. Unset switches are on.
type IsolationConfig struct {
	HelperPath       string        `yaml:"helper_path"`
	Direct           bool          `yaml:"direct"`
	EnableCgroup     *bool         `yaml:"enable_cgroup"`
	EnableNamespaces *bool         `yaml:"enable_namespaces"`
	EnableSeccomp    *bool         `yaml:"enable_seccomp"`
	KillTimeout      time.Duration `yaml:"kill_timeout"`
}

// AppConfig holds the process-level sections of the configuration file. The
// partition model is read from the same file by the config package.
type AppConfig struct {
	Logger    logger.Config   `yaml:"logger"`
	Isolation IsolationConfig `yaml:"isolation"`
	Status    status.Config   `yaml:"status"`
	Journal   journal.Config  `yaml:"journal"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.Wrapf(err, apperrors.ConfigNotFound, "config file %s not found", path)
		}
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return apperrors.Wrapf(err, apperrors.ConfigInvalid, "parse config file %s", path)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = defaultLogFormat
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}
	cfg.Logger.Level = logger.ResolveLevel(cfg.Logger.Level)

	if cfg.Isolation.KillTimeout == 0 {
		cfg.Isolation.KillTimeout = defaultKillTimeout
	}
	if cfg.Isolation.HelperPath == "" && !cfg.Isolation.Direct {
		cfg.Isolation.HelperPath = locateHelper()
	}
	return &cfg, nil
}

// isolationConfig converts the file section into manager settings rooted at
// the model's cgroup.
func (c *AppConfig) isolationConfig(cgroupRoot string) isolation.Config {
	iso := c.Isolation
	return isolation.Config{
		CgroupRoot:       cgroupRoot,
		HelperPath:       iso.HelperPath,
		Direct:           iso.Direct,
		EnableCgroup:     enabled(iso.EnableCgroup) && cgroupRoot != "",
		EnableNamespaces: enabled(iso.EnableNamespaces) && !iso.Direct,
		EnableSeccomp:    enabled(iso.EnableSeccomp) && !iso.Direct,
		KillTimeout:      iso.KillTimeout,
	}
}

func enabled(v *bool) bool {
	return v == nil || *v
}

// locateHelper prefers a partition-init installed next to the hypervisor
// binary and falls back to a PATH lookup at spawn time.
func locateHelper() string {
	exe, err := os.Executable()
	if err != nil {
		return defaultHelperName
	}
	candidate := filepath.Join(filepath.Dir(exe), defaultHelperName)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return defaultHelperName
}
