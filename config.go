package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Transport kinds understood by Config.
const (
	TransportStdio  = "stdio"
	TransportSocket = "socket"
	TransportSSE    = "sse"
)

// Config describes how to reach a server and how to talk to it. Defaults can be loaded
// via envdecode with ConfigFromEnv.
type Config struct {
	Transport string `env:"MCP_TRANSPORT,default=stdio"`

	// Command and Args start the server for the stdio transport. Args are separated by
	// semicolons in the environment.
	Command string   `env:"MCP_COMMAND"`
	Args    []string `env:"MCP_ARGS"`

	Network string `env:"MCP_NETWORK,default=tcp"`
	Address string `env:"MCP_ADDRESS"`

	SSEURL string `env:"MCP_SSE_URL"`

	// Framing is "newline" or "content-length". It applies to the stdio and socket
	// transports.
	Framing string `env:"MCP_FRAMING,default=newline"`

	ProtocolVersion string        `env:"MCP_PROTOCOL_VERSION,default=2024-11-05"`
	RequestTimeout  time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s"`
	WriteTimeout    time.Duration `env:"MCP_WRITE_TIMEOUT,default=30s"`

	// PingInterval is how often a ready client pings the server. Negative disables it.
	PingInterval time.Duration `env:"MCP_PING_INTERVAL,default=30s"`
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return Config{
		Transport:       TransportStdio,
		Network:         "tcp",
		Framing:         FramingNewline.String(),
		ProtocolVersion: DefaultProtocolVersion,
		RequestTimeout:  defaultClientRequestTimeout,
		WriteTimeout:    defaultClientWriteTimeout,
		PingInterval:    defaultClientPingInterval,
	}
}

// ConfigFromEnv builds a Config from the MCP_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports missing or contradictory settings.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Transport) {
	case TransportStdio:
		if c.Command == "" {
			errs = append(errs, errors.New("MCP_COMMAND is required for the stdio transport"))
		}
	case TransportSocket:
		if c.Address == "" {
			errs = append(errs, errors.New("MCP_ADDRESS is required for the socket transport"))
		}
	case TransportSSE:
		if c.SSEURL == "" {
			errs = append(errs, errors.New("MCP_SSE_URL is required for the sse transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if _, err := ParseFraming(c.Framing); err != nil {
		errs = append(errs, err)
	}
	if c.RequestTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

// Dialer returns the Dialer selected by c.
func (c Config) Dialer(logger *slog.Logger) (Dialer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	framing, _ := ParseFraming(c.Framing)

	switch strings.ToLower(c.Transport) {
	case TransportSocket:
		return &SocketDialer{
			Network: c.Network,
			Address: c.Address,
			Framing: framing,
			Logger:  logger,
		}, nil
	case TransportSSE:
		return &SSEDialer{
			URL:        c.SSEURL,
			HTTPClient: http.DefaultClient,
			Logger:     logger,
		}, nil
	default:
		return &CommandDialer{
			Command: c.Command,
			Args:    c.Args,
			Framing: framing,
			Logger:  logger,
		}, nil
	}
}

// ClientOptions returns the client options derived from c.
func (c Config) ClientOptions() []ClientOption {
	var opts []ClientOption
	if c.ProtocolVersion != "" {
		opts = append(opts, WithProtocolVersion(c.ProtocolVersion))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, WithClientRequestTimeout(c.RequestTimeout))
	}
	if c.WriteTimeout > 0 {
		opts = append(opts, WithClientWriteTimeout(c.WriteTimeout))
	}
	if c.PingInterval != 0 {
		opts = append(opts, WithClientPingInterval(c.PingInterval))
	}
	return opts
}
