package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// File permissions for files lake writes
const (
	DefaultDirPermissions  = 0750
	DefaultFilePermissions = 0644
)

// DefaultDatabasePath is used when database.path is empty
const DefaultDatabasePath = "lake.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.continue_on_error", false)

	// Source API roots; host and token have no sensible default
	v.SetDefault("sources.jira.api_path", "rest/")
	v.SetDefault("sources.jira.auth_scheme", "Basic")
	v.SetDefault("sources.gitlab.api_path", "api/v4/")
	v.SetDefault("sources.gitlab.auth_scheme", "Private-Token")

	v.SetDefault("enrich.lead_time_unit", "days")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "LAKE_DATABASE_PATH")

	_ = v.BindEnv("sources.jira.host", "LAKE_SOURCES_JIRA_HOST")
	_ = v.BindEnv("sources.jira.token", "LAKE_SOURCES_JIRA_TOKEN", "JIRA_TOKEN")
	_ = v.BindEnv("sources.jira.username", "LAKE_SOURCES_JIRA_USERNAME")
	_ = v.BindEnv("sources.gitlab.host", "LAKE_SOURCES_GITLAB_HOST")
	_ = v.BindEnv("sources.gitlab.token", "LAKE_SOURCES_GITLAB_TOKEN", "GITLAB_TOKEN")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetWorkers returns the step concurrency, at least 1
func (c *Config) GetWorkers() int {
	if c.Pipeline.Workers < 1 {
		return 1
	}
	return c.Pipeline.Workers
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Workers: %d, Sources: %d, LeadTimeUnit: %s}",
		c.GetDatabasePath(), c.GetWorkers(), len(c.Sources), c.Enrich.LeadTimeUnit)
}
