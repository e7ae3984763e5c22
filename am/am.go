package am

// Config represents the lake configuration
type Config struct {
	Database DatabaseConfig          `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Log      LogConfig               `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
	Pipeline PipelineConfig          `mapstructure:"pipeline" toml:"pipeline" json:"pipeline" yaml:"pipeline"`
	Sources  map[string]SourceConfig `mapstructure:"sources" toml:"sources" json:"sources" yaml:"sources"`
	Enrich   EnrichConfig            `mapstructure:"enrich" toml:"enrich" json:"enrich" yaml:"enrich"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
	Level string `mapstructure:"level" toml:"level" json:"level" yaml:"level"` // debug, info, warn, error
}

// PipelineConfig configures plan execution
type PipelineConfig struct {
	Workers         int  `mapstructure:"workers" toml:"workers" json:"workers" yaml:"workers"`                                     // Concurrent independent steps (default: 1)
	ContinueOnError bool `mapstructure:"continue_on_error" toml:"continue_on_error" json:"continue_on_error" yaml:"continue_on_error"` // Keep running steps that do not depend on a failed one
}

// SourceConfig configures access to one external system (jira, gitlab).
// Zero values fall back to fetch defaults: 30s timeout, 3 attempts, 200ms delay, 100 items per page.
type SourceConfig struct {
	Host              string          `mapstructure:"host" toml:"host" json:"host" yaml:"host"`
	APIPath           string          `mapstructure:"api_path" toml:"api_path" json:"api_path" yaml:"api_path"`
	Token             string          `mapstructure:"token" toml:"token" json:"token" yaml:"token"`
	AuthScheme        string          `mapstructure:"auth_scheme" toml:"auth_scheme" json:"auth_scheme" yaml:"auth_scheme"` // Bearer, Basic, Private-Token
	Username          string          `mapstructure:"username" toml:"username" json:"username" yaml:"username"`             // Basic auth only
	Proxy             string          `mapstructure:"proxy" toml:"proxy" json:"proxy" yaml:"proxy"`
	TimeoutSeconds    int             `mapstructure:"timeout_seconds" toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetry          int             `mapstructure:"max_retry" toml:"max_retry" json:"max_retry" yaml:"max_retry"` // Total attempts per request
	RetryDelayMS      int             `mapstructure:"retry_delay_ms" toml:"retry_delay_ms" json:"retry_delay_ms" yaml:"retry_delay_ms"`
	RequestsPerSecond float64         `mapstructure:"requests_per_second" toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"` // 0 = unlimited
	PageSize          int             `mapstructure:"page_size" toml:"page_size" json:"page_size" yaml:"page_size"`
	NextPageHeader    string          `mapstructure:"next_page_header" toml:"next_page_header" json:"next_page_header" yaml:"next_page_header"` // default X-Next-Page
	Skip              map[string]bool `mapstructure:"skip" toml:"skip" json:"skip" yaml:"skip"`                                                 // collector name -> skip
}

// EnrichConfig configures enrichment behaviour shared by all plugins
type EnrichConfig struct {
	LeadTimeUnit     string            `mapstructure:"lead_time_unit" toml:"lead_time_unit" json:"lead_time_unit" yaml:"lead_time_unit"` // seconds, minutes, hours, days
	MappingsFile     string            `mapstructure:"mappings_file" toml:"mappings_file" json:"mappings_file" yaml:"mappings_file"`     // YAML type/status mapping table
	TypeMapping      map[string]string `mapstructure:"type_mapping" toml:"type_mapping" json:"type_mapping" yaml:"type_mapping"`
	StatusMapping    map[string]string `mapstructure:"status_mapping" toml:"status_mapping" json:"status_mapping" yaml:"status_mapping"`
	TerminalStatuses []string          `mapstructure:"terminal_statuses" toml:"terminal_statuses" json:"terminal_statuses" yaml:"terminal_statuses"`
}

// Source returns the named source configuration and whether it was configured.
func (c *Config) Source(name string) (SourceConfig, bool) {
	src, ok := c.Sources[name]
	return src, ok
}

// Redacted returns a copy with source tokens masked, suitable for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Sources = make(map[string]SourceConfig, len(c.Sources))
	for name, src := range c.Sources {
		if src.Token != "" {
			src.Token = "****"
		}
		out.Sources[name] = src
	}
	return &out
}
