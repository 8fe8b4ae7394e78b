package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage points at the sqlite database holding campaigns, delivery
	// records and the subscriber directory.
	Storage StorageConfig `json:"storage"`

	// Engine controls dispatch execution (workers/rate/retry).
	Engine EngineConfig `json:"engine"`

	// Scheduler controls the due-campaign trigger loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	Pprof PprofConfig `json:"pprof,omitempty"`

	Pricing *PricingConfig `json:"pricing,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// CallTimeout is a Go duration string (e.g. "5s"). It bounds a single
	// send call; expiry is treated as a transient delivery failure.
	CallTimeout string `json:"call_timeout,omitempty"`

	ParseMode string `json:"parse_mode,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console *bool             `json:"console,omitempty"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string; 0 means the sqlite default.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EngineConfig controls the dispatch engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_per_sec: 25
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
type EngineConfig struct {
	Workers    int `json:"workers,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`

	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// SchedulerConfig controls the due-campaign trigger.
//
// Poll is a cron spec (5-field, or 6-field with seconds) deciding how often
// the trigger looks for due scheduled campaigns. Default: "*/30 * * * * *".
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from an
// explicit false.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Poll     string `json:"poll,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Asia/Jakarta"
}

type PprofConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// PricingConfig drives delivery cost estimates. Costs are in minor currency
// units per message.
type PricingConfig struct {
	UnitCost       int64 `json:"unit_cost,omitempty"`
	MediaSurcharge int64 `json:"media_surcharge,omitempty"`
}
