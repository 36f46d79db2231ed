package config

// Config is the full application configuration. YAML files are coerced to
// JSON before decoding so both formats share the strict decoder.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Queue       QueueConfig       `json:"queue,omitempty"`
	Batch       BatchConfig       `json:"batch,omitempty"`
	Pipeline    PipelineConfig    `json:"pipeline,omitempty"`
	Providers   []ProviderConfig  `json:"providers,omitempty"`
	Dispatch    DispatchConfig    `json:"dispatch,omitempty"`
	Publish     PublishConfig     `json:"publish,omitempty"`
	Media       MediaConfig       `json:"media,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	DownloadDir string `json:"download_dir,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator mirrors warnings and errors to the operator chat.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// QueueConfig controls the worker pool.
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 10
//   - poll_interval: "1s"
//   - error_backoff: "5s"
//   - job_timeout: "0s" (disabled)
type QueueConfig struct {
	MaxWorkers   int    `json:"max_workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	ErrorBackoff string `json:"error_backoff,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
}

type BatchConfig struct {
	// FlushDelay counts from the first item of a group. Default "2500ms".
	FlushDelay string `json:"flush_delay,omitempty"`
}

type PipelineConfig struct {
	GenerateTimeout string `json:"generate_timeout,omitempty"`
	MaxTokens       int    `json:"max_tokens,omitempty"`
	RequestTimeout  string `json:"request_timeout,omitempty"`
}

// ProviderConfig names one OpenAI-compatible inference endpoint.
type ProviderConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"` // do not log
}

type DispatchConfig struct {
	SendRate     float64 `json:"send_rate,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	RetryDelay   string  `json:"retry_delay,omitempty"`
	SerialFormat string  `json:"serial_format,omitempty"`
}

type PublishConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	AccessToken string `json:"access_token,omitempty"` // do not log
	AuthorName  string `json:"author_name,omitempty"`
	// Threshold is the rune count above which a page copy is published.
	Threshold int `json:"threshold,omitempty"`
}

type MediaConfig struct {
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
	FFprobePath string `json:"ffprobe_path,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	WorkDir     string `json:"work_dir,omitempty"`
	// MaxVideoMB triggers recompression for larger videos. Default 48.
	MaxVideoMB int `json:"max_video_mb,omitempty"`
}

type MaintenanceConfig struct {
	PruneSchedule string `json:"prune_schedule,omitempty"`
	Retention     string `json:"retention,omitempty"`
	StatsSchedule string `json:"stats_schedule,omitempty"`
}
