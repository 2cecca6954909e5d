// Package config holds preloader runtime configuration.
//
// Everything is environment-driven: the library is injected into a host
// process at load time and has no command line of its own. Parsing happens
// once, inside the library constructor, and the resulting Config is passed
// by reference to every module — no package reads the environment again
// after init.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// DefaultPort is the control port used when PRELOADER_PORT is unset.
const DefaultPort = 3636

// DefaultPidPath is the directory holding pid files and control sockets.
// Overridable at build time via -ldflags for packaging.
var DefaultPidPath = "/tmp"

// Level selects which log records the daemon emits.
type Level int

const (
	// LevelInfo is the default: informational records and above.
	LevelInfo Level = iota
	// LevelErr emits error records and above.
	LevelErr
	// LevelCrit emits only critical records.
	LevelCrit
	// LevelAll emits everything, including per-request tracing.
	LevelAll
)

// String returns the environment-variable spelling of the level.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelErr:
		return "err"
	case LevelCrit:
		return "crit"
	case LevelAll:
		return "all"
	}
	return "unknown"
}

// Config is the daemon-wide configuration, fixed at library init.
type Config struct {
	// Port distinguishes daemon instances sharing a PidPath. Range 0-65535.
	Port int

	// PidPath is the directory for the pid file and control socket.
	PidPath string

	// LogLevel filters daemon log output.
	LogLevel Level

	// LogFile receives log output when non-empty; stderr otherwise.
	LogFile string

	// Daemonize detaches the daemon from the launching terminal:
	// fork, parent exits, child starts a new session.
	Daemonize bool

	// LoadFile names a file of newline-separated shared-object paths to
	// dlopen with load-now binding before serving.
	LoadFile string

	// HistoryDB names the SQLite database recording served requests.
	// Empty disables history.
	HistoryDB string
}

// FromEnv parses the PRELOADER_* environment variables into a Config.
// Malformed values are returned as errors; the caller is expected to treat
// them as fatal (a half-configured daemon inside someone else's process is
// worse than no daemon).
func FromEnv() (*Config, error) {
	cfg := &Config{
		Port:     DefaultPort,
		PidPath:  DefaultPidPath,
		LogLevel: LevelInfo,
	}

	if env := os.Getenv("PRELOADER_PORT"); env != "" {
		port, err := strconv.Atoi(env)
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q, expected 0-65535", env)
		}
		cfg.Port = port
	}

	if env := os.Getenv("PRELOADER_LOG_LVL"); env != "" {
		switch env {
		case "info":
			cfg.LogLevel = LevelInfo
		case "err":
			cfg.LogLevel = LevelErr
		case "crit":
			cfg.LogLevel = LevelCrit
		case "all":
			cfg.LogLevel = LevelAll
		default:
			return nil, fmt.Errorf("unrecognized log level %q, supported: info, err, crit, all", env)
		}
	}

	cfg.LogFile = os.Getenv("PRELOADER_LOG_FILE")

	// Any value counts, even "0": presence is the switch.
	if _, ok := os.LookupEnv("PRELOADER_DAEMONIZE"); ok {
		cfg.Daemonize = true
	}

	cfg.LoadFile = os.Getenv("PRELOADER_LOAD_FILE")
	cfg.HistoryDB = os.Getenv("PRELOADER_HISTORY_DB")

	return cfg, nil
}

// SockPath returns the control socket path for this config.
func (c *Config) SockPath() string {
	return fmt.Sprintf("%s/preloader_%d.sock", c.PidPath, c.Port)
}

// PidFilePath returns the pid file path for this config.
func (c *Config) PidFilePath() string {
	return fmt.Sprintf("%s/preloader_%d.pid", c.PidPath, c.Port)
}
