package kafka

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenFunc returns a bearer token. Implementations cache until expiry.
type tokenFunc func(ctx context.Context) (string, error)

// oauthMechanism builds an OAUTHBEARER mechanism that fetches a token on
// every (re)authentication.
func oauthMechanism(cfg *OAuthConfig) (sasl.Mechanism, error) {
	if cfg == nil {
		return nil, errors.New("oauth config required for OAUTHBEARER")
	}
	fetch, err := newTokenFunc(cfg)
	if err != nil {
		return nil, err
	}
	return oauth.Oauth(func(ctx context.Context) (oauth.Auth, error) {
		token, err := fetch(ctx)
		if err != nil {
			return oauth.Auth{}, fmt.Errorf("fetch oauth token: %w", err)
		}
		return oauth.Auth{Token: token}, nil
	}), nil
}

func newTokenFunc(cfg *OAuthConfig) (tokenFunc, error) {
	provider := strings.ToLower(cfg.Provider)
	if provider != ProviderAzure && provider != ProviderGeneric {
		return nil, fmt.Errorf("unsupported oauth provider %q", cfg.Provider)
	}

	secret := os.Getenv(cfg.ClientSecretEnv)
	if cfg.ClientSecretEnv == "" || secret == "" {
		return nil, fmt.Errorf("oauth client secret environment variable %q is not set or empty", cfg.ClientSecretEnv)
	}

	if provider == ProviderAzure {
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, secret, nil)
		if err != nil {
			return nil, fmt.Errorf("azure credential: %w", err)
		}
		scopes := []string{cfg.Scope}
		return func(ctx context.Context) (string, error) {
			tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: scopes})
			if err != nil {
				return "", err
			}
			return tok.Token, nil
		}, nil
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{cfg.Scope},
	}
	source := cc.TokenSource(context.Background())
	return func(context.Context) (string, error) {
		tok, err := source.Token()
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}, nil
}
