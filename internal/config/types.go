package config

// Config is the main configuration carrier for revaudit.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Store     StoreConfig     `mapstructure:"store"`
	Recon     ReconConfig     `mapstructure:"recon"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Connector ConnectorConfig `mapstructure:"connector"`
}

type AppConfig struct {
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	LogPath     string `mapstructure:"log_path"`
	HTTPAddr    string `mapstructure:"http_addr"`
	ClientsPath string `mapstructure:"clients_path"`
}

type StoreConfig struct {
	// RunDBPath holds run metadata, summaries and anomaly samples.
	RunDBPath string `mapstructure:"run_db_path"`
	// CacheDBPath caches fetched batches so retries do not refetch.
	CacheDBPath string `mapstructure:"cache_db_path"`
	CacheTTLMin int    `mapstructure:"cache_ttl_minutes"`
}

// ReconConfig carries the matching knobs. Validated at load and re-checked
// at run start; invalid values surface as ToleranceConfigError.
type ReconConfig struct {
	ToleranceAbs    string  `mapstructure:"tolerance_abs"`
	ToleranceRelPct float64 `mapstructure:"tolerance_rel_pct"`
	SampleLimit     int     `mapstructure:"sample_limit"`
	TopDuplicates   int     `mapstructure:"top_duplicates"`
	// MaxMalformedRate fails a run when either source drops more than this
	// fraction of its batch during normalization.
	MaxMalformedRate float64 `mapstructure:"max_malformed_rate"`
}

type SchedulerConfig struct {
	Workers         int `mapstructure:"workers"`
	MaxAttempts     int `mapstructure:"max_attempts"`
	BackoffBaseSec  int `mapstructure:"backoff_base_seconds"`
	BackoffCapSec   int `mapstructure:"backoff_cap_seconds"`
	FetchTimeoutSec int `mapstructure:"fetch_timeout_seconds"`
	TickSeconds     int `mapstructure:"tick_seconds"`
}

type ConnectorConfig struct {
	// Root is the directory file connectors read batch files from,
	// laid out as <root>/<client>/<source>/<YYYY-MM-DD>.json.
	Root            string `mapstructure:"root"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	Burst           int    `mapstructure:"burst"`
}
