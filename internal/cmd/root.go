package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/mcp-http-bridge/internal/config"
)

// ExitError carries the backend's exit status out of the command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("backend exited with code %d", e.Code)
}

type rootFlags struct {
	port          int
	apiKey        string
	apiKeyFile    string
	logLevel      string
	logFormat     string
	notifications string
	redisAddr     string
	heartbeat     string
}

// NewRootCmd creates the root cobra command. Flags override the environment;
// arguments after "--" replace the backend command line.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(version, &rootFlags{})
}

func newRootCmd(version string, f *rootFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcp-http-bridge [flags] [-- command [args...]]",
		Short: "Serve a stdio JSON-RPC backend over HTTP",
		Long: "mcp-http-bridge spawns a line-delimited JSON-RPC backend and exposes it over\n" +
			"Server-Sent Events, a request endpoint and a duplex NDJSON stream.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			command, argv, err := applyFlags(cmd, &cfg, f, args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, command, argv, version)
		},
	}

	fl := root.Flags()
	fl.IntVarP(&f.port, "port", "p", 0, "HTTP listen port (env PORT)")
	fl.StringVar(&f.apiKey, "api-key", "", "shared API key required from clients (env API_KEY)")
	fl.StringVar(&f.apiKeyFile, "api-key-file", "", "file of API keys, one per line, reloaded on change (env API_KEY_FILE)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	fl.StringVar(&f.logFormat, "log-format", "", "json or text (env LOG_FORMAT)")
	fl.StringVar(&f.notifications, "notifications", "", "drop or broadcast backend notifications (env NOTIFICATIONS)")
	fl.StringVar(&f.redisAddr, "redis-addr", "", "stage outbound messages in Redis at this address (env REDIS_ADDR)")
	fl.StringVar(&f.heartbeat, "heartbeat", "", "event-stream heartbeat interval, e.g. 30s (env HEARTBEAT_INTERVAL)")

	return root
}

// applyFlags overlays explicitly set flags onto cfg and returns the backend
// command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config, f *rootFlags, args []string) (string, []string, error) {
	fl := cmd.Flags()
	if fl.Changed("port") {
		cfg.Port = f.port
	}
	if fl.Changed("api-key") {
		cfg.APIKey = f.apiKey
	}
	if fl.Changed("api-key-file") {
		cfg.APIKeyFile = f.apiKeyFile
	}
	if fl.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fl.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if fl.Changed("notifications") {
		cfg.Notifications = f.notifications
	}
	if fl.Changed("redis-addr") {
		cfg.RedisAddr = f.redisAddr
	}
	if fl.Changed("heartbeat") {
		d, err := time.ParseDuration(f.heartbeat)
		if err != nil {
			return "", nil, fmt.Errorf("--heartbeat: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if dash := cmd.ArgsLenAtDash(); dash >= 0 && len(args) > dash {
		return args[dash], args[dash+1:], nil
	}
	if len(args) > 0 {
		return "", nil, fmt.Errorf("unexpected arguments %q; put the backend command after --", args)
	}
	return cfg.BackendCommand, cfg.Args(), nil
}
