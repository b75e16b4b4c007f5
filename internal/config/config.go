// Package config resolves the agent's runtime configuration by layering,
// in increasing priority, package defaults, an optional .env file, process
// environment variables, and command-line flags. Grounded in the original
// agent's Client constructor defaults (dataplicity/client.py, constants.py)
// for the default URLs and limits, and in flowersec-tunnel's main.go for the
// env-then-flag layering idiom.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-envparse"
	flag "github.com/spf13/pflag"

	"github.com/wildfoundry/dataplicity-agent/internal/cmdutil"
)

// Default values, matching the original agent's hardcoded URLs and the
// service/terminal limiter budgets from spec §4.5-§4.8.
const (
	DefaultAPIURL         = "https://api.dataplicity.com/jsonrpc"
	DefaultM2MURL         = "wss://m2m.dataplicity.com/m2m/"
	DefaultServicesLimit  = 500
	DefaultTerminalsLimit = 100
	DefaultRemoteDir      = "/opt/dataplicity/remote"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// Config is the agent's fully resolved runtime configuration.
type Config struct {
	APIURL string
	M2MURL string

	SerialFile string
	AuthFile   string

	ServicesLimit  int
	TerminalsLimit int

	RemoteDir     string
	LogLevel      string
	LogFormat     string
	MetricsListen string

	PollInterval time.Duration
}

func defaults() Config {
	return Config{
		APIURL:         DefaultAPIURL,
		M2MURL:         DefaultM2MURL,
		ServicesLimit:  DefaultServicesLimit,
		TerminalsLimit: DefaultTerminalsLimit,
		RemoteDir:      DefaultRemoteDir,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
		PollInterval:   60 * time.Second,
	}
}

// Load resolves configuration from (lowest to highest priority): package
// defaults, the .env file named by DATAPLICITY_ENV_FILE (if set and
// present), the process environment, and args parsed as command-line
// flags. args is typically os.Args[1:].
func Load(args []string) (Config, error) {
	cfg := defaults()

	if envFile := strings.TrimSpace(os.Getenv("DATAPLICITY_ENV_FILE")); envFile != "" {
		if err := applyEnvFile(envFile); err != nil {
			return Config{}, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	cfg.APIURL = cmdutil.EnvString("API_URL", cfg.APIURL)
	cfg.M2MURL = cmdutil.EnvString("M2M_URL", cfg.M2MURL)
	cfg.SerialFile = cmdutil.EnvString("DATAPLICITY_SERIAL_FILE", cfg.SerialFile)
	cfg.AuthFile = cmdutil.EnvString("DATAPLICITY_AUTH_FILE", cfg.AuthFile)
	cfg.RemoteDir = cmdutil.EnvString("DATAPLICITY_REMOTE_DIR", cfg.RemoteDir)
	cfg.LogLevel = cmdutil.EnvString("DATAPLICITY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = cmdutil.EnvString("DATAPLICITY_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsListen = cmdutil.EnvString("DATAPLICITY_METRICS_LISTEN", cfg.MetricsListen)

	var err error
	if cfg.ServicesLimit, err = cmdutil.EnvInt("LIMIT_SERVICES", cfg.ServicesLimit); err != nil {
		return Config{}, fmt.Errorf("invalid LIMIT_SERVICES: %w", err)
	}
	if cfg.TerminalsLimit, err = cmdutil.EnvInt("LIMIT_TERMINALS", cfg.TerminalsLimit); err != nil {
		return Config{}, fmt.Errorf("invalid LIMIT_TERMINALS: %w", err)
	}

	fs := flag.NewFlagSet("dataplicity-agent", flag.ContinueOnError)
	fs.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "control-plane JSON-RPC URL (env: API_URL)")
	fs.StringVar(&cfg.M2MURL, "m2m-url", cfg.M2MURL, "m2m websocket URL (env: M2M_URL)")
	fs.StringVar(&cfg.SerialFile, "serial-file", cfg.SerialFile, "path to the device serial file (env: DATAPLICITY_SERIAL_FILE)")
	fs.StringVar(&cfg.AuthFile, "auth-file", cfg.AuthFile, "path to the device auth token file (env: DATAPLICITY_AUTH_FILE)")
	fs.IntVar(&cfg.ServicesLimit, "limit-services", cfg.ServicesLimit, "max concurrent non-terminal services (env: LIMIT_SERVICES)")
	fs.IntVar(&cfg.TerminalsLimit, "limit-terminals", cfg.TerminalsLimit, "max concurrent terminal processes (env: LIMIT_TERMINALS)")
	fs.StringVar(&cfg.RemoteDir, "remote-dir", cfg.RemoteDir, "root directory exposed to directory-scan/read-file instructions (env: DATAPLICITY_REMOTE_DIR)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error (env: DATAPLICITY_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json (env: DATAPLICITY_LOG_FORMAT)")
	fs.StringVar(&cfg.MetricsListen, "metrics-listen", cfg.MetricsListen, "listen address for the prometheus endpoint, empty disables it (env: DATAPLICITY_METRICS_LISTEN)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "control-plane sync poll interval, stored in Config.PollInterval; the agent does not sync on a timer")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return err
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); !set {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}
