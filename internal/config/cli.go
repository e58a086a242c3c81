package config

import (
	"flag"
	"io"
)

// CLIFlags holds command-line overrides. Nil fields were not set and leave
// the loaded value untouched.
type CLIFlags struct {
	ConfigPath *string
	EnvPath    *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	Store      *string
}

// ParseFlags parses args into CLIFlags. Long and short forms are accepted
// for the config path (-c) and port (-p).
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("meterforge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configPath, envPath, port, logLevel, dsn, natsURL, store string
	)
	fs.StringVar(&configPath, "config", "", "path to YAML config")
	fs.StringVar(&configPath, "c", "", "path to YAML config (shorthand)")
	fs.StringVar(&envPath, "env-file", "", "path to dotenv file")
	fs.StringVar(&port, "port", "", "HTTP port")
	fs.StringVar(&port, "p", "", "HTTP port (shorthand)")
	fs.StringVar(&logLevel, "log-level", "", "log level")
	fs.StringVar(&dsn, "dsn", "", "PostgreSQL DSN")
	fs.StringVar(&natsURL, "nats-url", "", "NATS URL")
	fs.StringVar(&store, "store", "", "ledger store driver")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, err
	}

	var flags CLIFlags
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["config"] || set["c"] {
		flags.ConfigPath = &configPath
	}
	if set["env-file"] {
		flags.EnvPath = &envPath
	}
	if set["port"] || set["p"] {
		flags.Port = &port
	}
	if set["log-level"] {
		flags.LogLevel = &logLevel
	}
	if set["dsn"] {
		flags.DSN = &dsn
	}
	if set["nats-url"] {
		flags.NatsURL = &natsURL
	}
	if set["store"] {
		flags.Store = &store
	}
	return flags, nil
}

// LoadWithCLI loads configuration with CLI flags as the highest precedence
// layer. It returns the YAML path that was used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}
	envPath := DefaultEnvFile
	if flags.EnvPath != nil {
		envPath = *flags.EnvPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", err
	}
	if err := loadDotenv(envPath); err != nil {
		return nil, "", err
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", err
	}
	return &cfg, yamlPath, nil
}

func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
	if flags.Store != nil {
		cfg.Store.Driver = *flags.Store
	}
}
