package config

import "time"

// Config holds client configuration values.
type Config struct {
	APIBaseURL   string `mapstructure:"api_base_url" yaml:"api_base_url"`
	WSURL        string `mapstructure:"ws_url" yaml:"ws_url"`
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	LogLevel     string `mapstructure:"log_level" yaml:"log_level"`

	// Connection manager knobs.
	ReconnectAttempts   int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectBackoff    time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff"`
	ReconnectBackoffCap time.Duration `mapstructure:"reconnect_backoff_cap" yaml:"reconnect_backoff_cap"`
	ConnectWait         time.Duration `mapstructure:"connect_wait" yaml:"connect_wait"`

	// Session and synchronization knobs.
	GuestInactivityTimeout time.Duration `mapstructure:"guest_inactivity_timeout" yaml:"guest_inactivity_timeout"`
	TypingExpiry           time.Duration `mapstructure:"typing_expiry" yaml:"typing_expiry"`
	DedupWindow            time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	HistoryPageSize        int           `mapstructure:"history_page_size" yaml:"history_page_size"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		APIBaseURL:   "http://localhost:8080",
		WSURL:        "ws://localhost:8080/ws",
		DatabasePath: "supportchat.db",
		LogLevel:     "info",

		ReconnectAttempts:   5,
		ReconnectBackoff:    500 * time.Millisecond,
		ReconnectBackoffCap: 10 * time.Second,
		ConnectWait:         5 * time.Second,

		GuestInactivityTimeout: 30 * time.Minute,
		TypingExpiry:           3 * time.Second,
		DedupWindow:            5 * time.Second,
		HistoryPageSize:        50,
	}
}
