package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// clientIDPrefix names every projector connection so broker quotas and
// request logs can attribute traffic.
const clientIDPrefix = "projector"

// NewClient creates a franz-go client for the cluster. It does not dial:
// brokers are contacted on first use. extra options are appended after the
// cluster options, so callers may override them.
func NewClient(cfg *ClusterConfig, extra ...kgo.Opt) (*kgo.Client, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client for cluster %q: %w", cfg.Name, err)
	}
	return client, nil
}

// ClientOptions translates a cluster definition into client options: seed
// brokers, client id, SASL and TLS.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.clientID()),
	}

	if cfg.Auth.Mechanism != "" {
		mechanism, err := saslMechanism(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("sasl config: %w", err)
		}
		opts = append(opts, kgo.SASL(mechanism))
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls config: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}

	return opts, nil
}

// clientID is the configured id, or projector-<cluster name>.
func (c *ClusterConfig) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	if c.Name != "" {
		return clientIDPrefix + "-" + c.Name
	}
	return clientIDPrefix
}

func saslMechanism(auth AuthConfig) (sasl.Mechanism, error) {
	switch auth.Mechanism {
	case MechanismPlain:
		return plain.Auth{User: auth.Username, Pass: auth.password()}.AsMechanism(), nil
	case MechanismScramSHA256:
		return scram.Auth{User: auth.Username, Pass: auth.password()}.AsSha256Mechanism(), nil
	case MechanismScramSHA512:
		return scram.Auth{User: auth.Username, Pass: auth.password()}.AsSha512Mechanism(), nil
	case MechanismOAuthBearer:
		return oauthMechanism(auth.OAuth)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", auth.Mechanism)
	}
}

// password prefers the inline value, then the named environment variable.
func (a AuthConfig) password() string {
	if a.Password != "" {
		return a.Password
	}
	if a.PasswordEnv != "" {
		return os.Getenv(a.PasswordEnv)
	}
	return ""
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // User-configurable option for dev/testing
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// WithLogger routes client logs to logger. franz-go debug output is only
// enabled when logger accepts debug records; warnings and errors always pass.
func WithLogger(logger *slog.Logger) kgo.Opt {
	return kgo.WithLogger(clientLogger{logger: logger.With("component", "kafka-client")})
}

type clientLogger struct {
	logger *slog.Logger
}

func (l clientLogger) Level() kgo.LogLevel {
	ctx := context.Background()
	switch {
	case l.logger.Enabled(ctx, slog.LevelDebug):
		return kgo.LogLevelInfo
	case l.logger.Enabled(ctx, slog.LevelWarn):
		return kgo.LogLevelWarn
	default:
		return kgo.LogLevelError
	}
}

func (l clientLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var sl slog.Level
	switch level {
	case kgo.LogLevelError:
		sl = slog.LevelError
	case kgo.LogLevelWarn:
		sl = slog.LevelWarn
	default:
		// franz-go info output is connection chatter.
		sl = slog.LevelDebug
	}
	l.logger.Log(context.Background(), sl, msg, keyvals...)
}
