// Package kafka provides shared Kafka cluster configuration and connection management.
package kafka

import (
	"errors"
	"fmt"
	"strings"
)

// SASL mechanisms accepted in AuthConfig.Mechanism.
const (
	MechanismPlain       = "PLAIN"
	MechanismScramSHA256 = "SCRAM-SHA-256"
	MechanismScramSHA512 = "SCRAM-SHA-512"
	MechanismOAuthBearer = "OAUTHBEARER"
)

// OAuth token providers accepted in OAuthConfig.Provider.
const (
	ProviderAzure   = "azure"
	ProviderGeneric = "generic"
)

// ClusterConfig defines a Kafka cluster with authentication and TLS settings.
type ClusterConfig struct {
	Name     string     `yaml:"name,omitempty"` // Populated from map key when loaded
	Brokers  []string   `yaml:"brokers"`
	ClientID string     `yaml:"clientId,omitempty"` // default projector-<name>
	Auth     AuthConfig `yaml:"auth,omitempty"`
	TLS      TLSConfig  `yaml:"tls,omitempty"`
}

// AuthConfig defines SASL authentication for Kafka.
type AuthConfig struct {
	Mechanism   string       `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512, OAUTHBEARER
	Username    string       `yaml:"username"`
	Password    string       `yaml:"password"`
	PasswordEnv string       `yaml:"passwordEnv,omitempty"` // env var holding the password
	OAuth       *OAuthConfig `yaml:"oauth,omitempty"`
}

// OAuthConfig configures OAUTHBEARER tokens obtained with the client
// credentials flow. The secret is read from an environment variable so it
// never lives in the definition file.
type OAuthConfig struct {
	Provider        string `yaml:"provider"` // azure, generic
	TenantID        string `yaml:"tenantId,omitempty"`
	ClientID        string `yaml:"clientId"`
	ClientSecretEnv string `yaml:"clientSecretEnv"`
	Scope           string `yaml:"scope"`
	TokenURL        string `yaml:"tokenUrl,omitempty"` // generic only
}

// TLSConfig defines TLS settings for Kafka connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // For mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // For mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// Validate checks the cluster configuration for errors.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("at least one broker is required"))
	}

	switch c.Auth.Mechanism {
	case "":
	case MechanismPlain, MechanismScramSHA256, MechanismScramSHA512:
		if c.Auth.Username == "" {
			errs = append(errs, fmt.Errorf("auth.username is required for %s", c.Auth.Mechanism))
		}
		if c.Auth.Password == "" && c.Auth.PasswordEnv == "" {
			errs = append(errs, fmt.Errorf("auth.password is required for %s (set password or passwordEnv)", c.Auth.Mechanism))
		}
	case MechanismOAuthBearer:
		if c.Auth.OAuth == nil {
			errs = append(errs, errors.New("auth.oauth config is required for OAUTHBEARER"))
		} else {
			errs = append(errs, c.Auth.OAuth.validate())
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported SASL mechanism %q (must be PLAIN, SCRAM-SHA-256, SCRAM-SHA-512 or OAUTHBEARER)", c.Auth.Mechanism))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: both certFile and keyFile must be specified together"))
	}

	return errors.Join(errs...)
}

func (o *OAuthConfig) validate() error {
	var errs []error
	provider := strings.ToLower(o.Provider)
	if provider == "" {
		errs = append(errs, errors.New("oauth.provider is required"))
	} else if provider != ProviderAzure && provider != ProviderGeneric {
		errs = append(errs, fmt.Errorf("unsupported oauth provider %q", o.Provider))
	}
	if o.ClientID == "" {
		errs = append(errs, errors.New("oauth.clientId is required"))
	}
	if o.Scope == "" {
		errs = append(errs, errors.New("oauth.scope is required"))
	}
	if provider == ProviderAzure && o.TenantID == "" {
		errs = append(errs, errors.New("oauth.tenantId is required for Azure"))
	}
	if provider == ProviderGeneric && o.TokenURL == "" {
		errs = append(errs, errors.New("oauth.tokenUrl is required for the generic provider"))
	}
	return errors.Join(errs...)
}

// KafkaGlobalConfig holds named Kafka cluster configurations.
type KafkaGlobalConfig struct {
	Clusters map[string]ClusterConfig `yaml:"clusters"`
}

// Validate checks all cluster configurations.
func (c *KafkaGlobalConfig) Validate() error {
	var errs []error
	for name, cluster := range c.Clusters {
		if err := cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cluster %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
