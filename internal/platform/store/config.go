package store

import "time"

// Config aggregates store configuration
type Config struct {
	AppName string

	DB DBConfig
}

// DBConfig configures the embedded sqlite connection
type DBConfig struct {
	Enabled bool
	Path    string

	BusyTimeoutMs int
	LogSQL        bool
	SlowQueryMs   int

	// Guard/boot knobs
	ConnectRetries int           // default 10
	PingTimeout    time.Duration // default 2s
}
