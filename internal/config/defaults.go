package config

const (
	defaultEnv         = "dev"
	defaultLogLevel    = "info"
	defaultHTTPAddr    = ":9821"
	defaultClientsPath = "configs/clients.yaml"
	defaultRunDB       = "data/runs.db"
	defaultCacheDB     = "data/batch_cache.db"
	defaultCacheTTLMin = 240

	defaultToleranceAbs     = "0.00"
	defaultSampleLimit      = 50
	defaultTopDuplicates    = 10
	defaultMaxMalformedRate = 0.25

	defaultWorkers         = 4
	defaultMaxAttempts     = 3
	defaultBackoffBaseSec  = 2
	defaultBackoffCapSec   = 60
	defaultFetchTimeoutSec = 120
	defaultTickSec         = 60

	defaultConnectorRoot = "data/batches"
	defaultRatePerMin    = 120
	defaultBurst         = 20
)

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = defaultEnv
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultLogLevel
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = defaultHTTPAddr
	}
	if c.App.ClientsPath == "" {
		c.App.ClientsPath = defaultClientsPath
	}
	if c.Store.RunDBPath == "" {
		c.Store.RunDBPath = defaultRunDB
	}
	if c.Store.CacheDBPath == "" {
		c.Store.CacheDBPath = defaultCacheDB
	}
	if c.Store.CacheTTLMin <= 0 {
		c.Store.CacheTTLMin = defaultCacheTTLMin
	}
	if c.Recon.ToleranceAbs == "" {
		c.Recon.ToleranceAbs = defaultToleranceAbs
	}
	if c.Recon.SampleLimit <= 0 {
		c.Recon.SampleLimit = defaultSampleLimit
	}
	if c.Recon.TopDuplicates <= 0 {
		c.Recon.TopDuplicates = defaultTopDuplicates
	}
	if c.Recon.MaxMalformedRate <= 0 {
		c.Recon.MaxMalformedRate = defaultMaxMalformedRate
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = defaultWorkers
	}
	if c.Scheduler.MaxAttempts <= 0 {
		c.Scheduler.MaxAttempts = defaultMaxAttempts
	}
	if c.Scheduler.BackoffBaseSec <= 0 {
		c.Scheduler.BackoffBaseSec = defaultBackoffBaseSec
	}
	if c.Scheduler.BackoffCapSec <= 0 {
		c.Scheduler.BackoffCapSec = defaultBackoffCapSec
	}
	if c.Scheduler.FetchTimeoutSec <= 0 {
		c.Scheduler.FetchTimeoutSec = defaultFetchTimeoutSec
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = defaultTickSec
	}
	if c.Connector.Root == "" {
		c.Connector.Root = defaultConnectorRoot
	}
	if c.Connector.RateLimitPerMin <= 0 {
		c.Connector.RateLimitPerMin = defaultRatePerMin
	}
	if c.Connector.Burst <= 0 {
		c.Connector.Burst = defaultBurst
	}
}
