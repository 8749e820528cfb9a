// Package core contains the business logic for repoflow: task submission,
// configuration, id generation, and the scheduler that drives queued tasks
// through their lifecycle.
package core

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/repoflow/repoflow/pkg/models"
)

// validPrefixPattern matches uppercase alphanumeric prefixes between 1 and 10 characters.
var validPrefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

// ConfigurationManager loads and validates the .repoflowrc configuration.
type ConfigurationManager interface {
	LoadGlobalConfig() (*models.GlobalConfig, error)
	ValidateConfig(cfg *models.GlobalConfig) error
}

// viperConfigManager implements ConfigurationManager using Viper for
// reading YAML configuration files.
type viperConfigManager struct {
	// basePath is the root directory where .repoflowrc resides.
	basePath string
}

// NewConfigurationManager creates a new ConfigurationManager that reads
// configuration files relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// defaultGlobalConfig returns a GlobalConfig populated with sensible defaults.
func defaultGlobalConfig(basePath string) *models.GlobalConfig {
	return &models.GlobalConfig{
		RedisAddr:       "",
		RedisOpTimeout:  2 * time.Second,
		PollInterval:    3 * time.Second,
		LockTTL:         10 * time.Minute,
		RequeueDelay:    5 * time.Second,
		StoreBackend:    models.StoreSQLite,
		StoreDSN:        filepath.Join(basePath, "repoflow.db"),
		WorkspaceRoot:   filepath.Join(basePath, "workspaces"),
		RefreshPolicy:   models.RefreshStashOrReset,
		WorkspaceMaxAge: 7 * 24 * time.Hour,
		TaskIDPrefix:    "REPO",
		TaskIDPadWidth:  5,
	}
}

// LoadGlobalConfig reads the .repoflowrc file from the base path using Viper.
// If the file does not exist, sensible defaults are returned.
func (cm *viperConfigManager) LoadGlobalConfig() (*models.GlobalConfig, error) {
	cfg := defaultGlobalConfig(cm.basePath)

	v := viper.New()
	v.SetConfigName(".repoflowrc")
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)

	// Set Viper defaults so missing keys fall back gracefully.
	v.SetDefault("redis.addr", cfg.RedisAddr)
	v.SetDefault("redis.op_timeout", cfg.RedisOpTimeout)
	v.SetDefault("scheduler.poll_interval", cfg.PollInterval)
	v.SetDefault("lock.ttl", cfg.LockTTL)
	v.SetDefault("queue.requeue_delay", cfg.RequeueDelay)
	v.SetDefault("store.backend", string(cfg.StoreBackend))
	v.SetDefault("store.dsn", cfg.StoreDSN)
	v.SetDefault("workspace.root", cfg.WorkspaceRoot)
	v.SetDefault("workspace.refresh_policy", string(cfg.RefreshPolicy))
	v.SetDefault("workspace.max_age", cfg.WorkspaceMaxAge)
	v.SetDefault("task_id.prefix", cfg.TaskIDPrefix)
	v.SetDefault("task_id.pad_width", cfg.TaskIDPadWidth)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file found, return defaults.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading .repoflowrc: %w", err)
	}

	// Map nested YAML keys to flat GlobalConfig fields.
	cfg.RedisAddr = v.GetString("redis.addr")
	cfg.RedisOpTimeout = v.GetDuration("redis.op_timeout")
	cfg.PollInterval = v.GetDuration("scheduler.poll_interval")
	cfg.LockTTL = v.GetDuration("lock.ttl")
	cfg.RequeueDelay = v.GetDuration("queue.requeue_delay")
	cfg.StoreBackend = models.StoreBackend(v.GetString("store.backend"))
	cfg.StoreDSN = v.GetString("store.dsn")
	cfg.WorkspaceRoot = v.GetString("workspace.root")
	cfg.RefreshPolicy = models.RefreshPolicy(v.GetString("workspace.refresh_policy"))
	cfg.WorkspaceMaxAge = v.GetDuration("workspace.max_age")
	cfg.TaskIDPrefix = v.GetString("task_id.prefix")

	// Use IsSet to distinguish "not set" (use default 5) from "explicitly set to 0".
	if v.IsSet("task_id.pad_width") {
		cfg.TaskIDPadWidth = v.GetInt("task_id.pad_width")
	}

	return cfg, nil
}

// ValidateConfig checks the provided configuration for invalid values and
// returns a clear error message identifying the problem.
func (cm *viperConfigManager) ValidateConfig(cfg *models.GlobalConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string

	if cfg.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("scheduler.poll_interval must be positive, got %s", cfg.PollInterval))
	}

	if cfg.LockTTL <= 0 {
		errs = append(errs, fmt.Sprintf("lock.ttl must be positive, got %s", cfg.LockTTL))
	}

	if cfg.RequeueDelay < 0 {
		errs = append(errs, fmt.Sprintf("queue.requeue_delay must be non-negative, got %s", cfg.RequeueDelay))
	}

	if cfg.RedisOpTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("redis.op_timeout must be positive, got %s", cfg.RedisOpTimeout))
	}

	switch cfg.StoreBackend {
	case models.StoreSQLite, models.StoreFile:
	default:
		errs = append(errs, fmt.Sprintf(
			"store.backend %q is invalid, must be one of: sqlite, file",
			cfg.StoreBackend,
		))
	}

	if cfg.StoreDSN == "" {
		errs = append(errs, "store.dsn must not be empty")
	}

	if cfg.WorkspaceRoot == "" {
		errs = append(errs, "workspace.root must not be empty")
	}

	switch cfg.RefreshPolicy {
	case models.RefreshStashOrReset, models.RefreshFail:
	default:
		errs = append(errs, fmt.Sprintf(
			"workspace.refresh_policy %q is invalid, must be one of: stash-or-reset, fail",
			cfg.RefreshPolicy,
		))
	}

	if cfg.WorkspaceMaxAge <= 0 {
		errs = append(errs, fmt.Sprintf("workspace.max_age must be positive, got %s", cfg.WorkspaceMaxAge))
	}

	if cfg.TaskIDPrefix == "" {
		errs = append(errs, "task_id.prefix must not be empty")
	} else if !validPrefixPattern.MatchString(cfg.TaskIDPrefix) {
		errs = append(errs, fmt.Sprintf(
			"task_id.prefix %q is invalid, must match [A-Z0-9]{1,10}",
			cfg.TaskIDPrefix,
		))
	}

	if cfg.TaskIDPadWidth < 0 || cfg.TaskIDPadWidth > 10 {
		errs = append(errs, fmt.Sprintf(
			"task_id.pad_width %d is invalid, must be between 0 and 10",
			cfg.TaskIDPadWidth,
		))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
