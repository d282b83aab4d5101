package config

// Config is the root document. Durations are Go duration strings ("10s", "1h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Devices  DevicesConfig  `json:"devices"`
	Game     GameConfig     `json:"game"`
	Features FeaturesConfig `json:"features"`
	Worker   WorkerConfig   `json:"worker"`
	Vision   VisionConfig   `json:"vision"`
	Schedule ScheduleConfig `json:"schedule"`

	// Storage enables the action journal. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`
	// Directory selects where account records live. Nil means the per-device files.
	Directory *DirectoryConfig `json:"directory,omitempty"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	HTTP     *HTTPConfig     `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	JSON    bool           `json:"json,omitempty"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward relays log lines at or above MinLevel to the telegram log chat.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DevicesConfig describes the emulator fleet.
//
// Each device is addressed by its adb port; the serial is "<host>:<port>".
// Per-device files live under <data_root>/<port>/.
type DevicesConfig struct {
	ADBPath         string `json:"adb_path"`
	Host            string `json:"host"`
	DataRoot        string `json:"data_root"`
	Ports           []int  `json:"ports"`
	CommandTimeout  string `json:"command_timeout,omitempty"`
	InputRatePerSec int    `json:"input_rate_per_sec,omitempty"`
}

type GameConfig struct {
	Package       string `json:"package"`
	Activity      string `json:"activity"`
	LoginActivity string `json:"login_activity"`
	GameActivity  string `json:"game_activity"`
}

// FeaturesConfig is snapshotted once per worker cycle.
type FeaturesConfig struct {
	Build                 bool `json:"build"`
	Expedition            bool `json:"expedition"`
	Bless                 bool `json:"bless"`
	AutoLeave             bool `json:"auto_leave"`
	AllowExtraBlessLogins bool `json:"allow_extra_bless_logins"`
	// Drain stops a worker after two consecutive empty worklists.
	Drain bool `json:"drain"`
}

type WorkerConfig struct {
	PollInterval    string `json:"poll_interval,omitempty"`
	IdleSleep       string `json:"idle_sleep,omitempty"`
	ErrorBackoff    string `json:"error_backoff,omitempty"`
	AppReadyTimeout string `json:"app_ready_timeout,omitempty"`
	BetweenAccounts string `json:"between_accounts,omitempty"`
	LogoutRounds    int    `json:"logout_rounds,omitempty"`
}

type VisionConfig struct {
	TemplatesDir  string  `json:"templates_dir"`
	Threshold     float64 `json:"threshold,omitempty"`
	TesseractPath string  `json:"tesseract_path,omitempty"`
	Lang          string  `json:"lang,omitempty"`
}

// ScheduleConfig holds cron triggers. Specs accept cron expressions,
// "every:<duration>" or a daily "HH:MM".
type ScheduleConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	Autostart      string `json:"autostart,omitempty"`
	AutostartPorts []int  `json:"autostart_ports,omitempty"`
	BlessPrune     string `json:"bless_prune,omitempty"`
}

// StorageConfig controls the action journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// DirectoryConfig selects the account directory backend: "file" or "postgres".
type DirectoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	LogChatID    int64   `json:"log_chat_id,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type HTTPConfig struct {
	Addr  string `json:"addr"`
	Token string `json:"token,omitempty"`
	// Pprof exposes /v1/debug/pprof. Keep Token set when enabling it.
	Pprof bool `json:"pprof,omitempty"`
}
