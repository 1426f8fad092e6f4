// Package config parses command-line arguments and environment configuration.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrHelp is returned by ParseArgs when usage was requested.
var ErrHelp = errors.New("help requested")

// CustomAttribute is a user-defined span attribute computed from an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// EnvConfig holds settings read from UDPLAT_* environment variables.
type EnvConfig struct {
	IdleTimeout   time.Duration `env:"UDPLAT_IDLE_TIMEOUT" envDefault:"5s"`
	SweepInterval time.Duration `env:"UDPLAT_SWEEP_INTERVAL" envDefault:"1s"`
	MaxContexts   int           `env:"UDPLAT_MAX_CONTEXTS" envDefault:"65536"`
	Shards        int           `env:"UDPLAT_SHARDS" envDefault:"64"`
	RingbufSize   int           `env:"UDPLAT_RINGBUF_SIZE" envDefault:"4194304"`
	LogLevel      string        `env:"UDPLAT_LOG_LEVEL" envDefault:"info"`
	Attributes    string        `env:"UDPLAT_ATTRIBUTES" envDefault:""`
	Filter        string        `env:"UDPLAT_FILTER" envDefault:""`
}

// ParseEnvConfig reads EnvConfig from the environment.
func ParseEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("UDPLAT_IDLE_TIMEOUT must be positive, got %s", cfg.IdleTimeout)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("UDPLAT_SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.MaxContexts < 0 {
		return nil, fmt.Errorf("UDPLAT_MAX_CONTEXTS must not be negative, got %d", cfg.MaxContexts)
	}
	return &cfg, nil
}

// Config holds the parsed configuration.
type Config struct {
	// PID restricts tracing to one process; zero traces every process.
	PID uint32
	// Unit is the output time unit (ns, us, ms); empty keeps the stage table's unit.
	Unit string
	// StagesFile is an optional YAML stage table replacing the built-in one.
	StagesFile string
	// Filter is an expression records must satisfy to be emitted.
	Filter string
	// CustomAttributes are added to exported spans.
	CustomAttributes []CustomAttribute
	// OTEL enables span export to an OTLP endpoint.
	OTEL bool

	Env *EnvConfig
}

// Usage returns the help text for programName.
func Usage(programName string) string {
	return fmt.Sprintf(`Usage: %s [options]

Measures per-packet UDP send latency from syscall entry to the device queue.

Options:
  -p, --pid PID            only trace this process
  -u, --unit UNIT          output unit: ns, us or ms (default: stage table unit)
  -s, --stages FILE        YAML stage table replacing the built-in UDP send path
  -f, --filter EXPR        only emit records matching EXPR (e.g. 'total > 100000')
  -a, --attribute N=EXPR   add a span attribute (repeatable, requires --otel)
      --otel               export records as spans via OTLP/HTTP
  -h, --help               show this help

Environment:
  UDPLAT_IDLE_TIMEOUT, UDPLAT_SWEEP_INTERVAL, UDPLAT_MAX_CONTEXTS, UDPLAT_SHARDS,
  UDPLAT_RINGBUF_SIZE, UDPLAT_LOG_LEVEL, UDPLAT_ATTRIBUTES, UDPLAT_FILTER,
  OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_TRACES_ENDPOINT,
  OTEL_RESOURCE_ATTRIBUTES
`, programName)
}

// ParseArgs parses command-line arguments on top of the environment configuration.
// Command-line values override the environment; attributes from both are kept,
// environment first.
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	envCfg, err := ParseEnvConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{Env: envCfg, Filter: envCfg.Filter}

	envAttrs, err := ParseAttributeString(envCfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("UDPLAT_ATTRIBUTES: %w", err)
	}
	cfg.CustomAttributes = append(cfg.CustomAttributes, envAttrs...)

	value := func(i int, flag string) (string, error) {
		if i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", flag)
		}
		return args[i+1], nil
	}

	for i := 1; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-h", "--help":
			return nil, ErrHelp
		case "--otel":
			cfg.OTEL = true
		case "-p", "--pid":
			v, err := value(i, arg)
			if err != nil {
				return nil, err
			}
			pid, err := strconv.ParseUint(v, 10, 32)
			if err != nil || pid == 0 {
				return nil, fmt.Errorf("invalid PID %q", v)
			}
			cfg.PID = uint32(pid)
			i++
		case "-u", "--unit":
			v, err := value(i, arg)
			if err != nil {
				return nil, err
			}
			cfg.Unit = v
			i++
		case "-s", "--stages":
			v, err := value(i, arg)
			if err != nil {
				return nil, err
			}
			cfg.StagesFile = v
			i++
		case "-f", "--filter":
			v, err := value(i, arg)
			if err != nil {
				return nil, err
			}
			cfg.Filter = v
			i++
		case "-a", "--attribute":
			v, err := value(i, arg)
			if err != nil {
				return nil, err
			}
			attr, err := parseAttribute(v)
			if err != nil {
				return nil, err
			}
			cfg.CustomAttributes = append(cfg.CustomAttributes, attr)
			i++
		default:
			return nil, fmt.Errorf("unknown argument %q\n\n%s", arg, Usage(args[0]))
		}
	}

	return cfg, nil
}

// parseAttribute parses one NAME=EXPR definition. Only the first '=' splits.
func parseAttribute(s string) (CustomAttribute, error) {
	name, expression, ok := strings.Cut(s, "=")
	if !ok {
		return CustomAttribute{}, fmt.Errorf("invalid attribute format %q: expected NAME=EXPR", s)
	}
	name = strings.TrimSpace(name)
	expression = strings.TrimSpace(expression)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: name cannot be empty", s)
	}
	if expression == "" {
		return CustomAttribute{}, fmt.Errorf("invalid attribute %q: expression cannot be empty", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}

// ParseAttributeString parses semicolon-separated NAME=EXPR definitions.
// Empty sections are skipped.
func ParseAttributeString(s string) ([]CustomAttribute, error) {
	var attrs []CustomAttribute
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		attr, err := parseAttribute(part)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}
