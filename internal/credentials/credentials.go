// Package credentials resolves the account reference carried by a task into
// the secrets a transfer backend needs to authenticate.
package credentials

import (
	"context"
	"strings"

	xerrors "transferd/internal/errors"
)

// Credentials holds the secret material for one backend account. Each proxy
// reads the fields relevant to it and ignores the rest.
type Credentials struct {
	AccountRef   string `json:"-" yaml:"-"`
	AccessKey    string `json:"access_key,omitempty" yaml:"access_key"`
	SecretKey    string `json:"secret_key,omitempty" yaml:"secret_key"`
	SessionToken string `json:"session_token,omitempty" yaml:"session_token"`
	ClientID     string `json:"client_id,omitempty" yaml:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret"`
	RefreshToken string `json:"refresh_token,omitempty" yaml:"refresh_token"`
	Token        string `json:"token,omitempty" yaml:"token"`
	Username     string `json:"username,omitempty" yaml:"username"`
}

// Empty reports whether no secret field is set
func (c Credentials) Empty() bool {
	return c.AccessKey == "" && c.SecretKey == "" && c.ClientID == "" &&
		c.ClientSecret == "" && c.RefreshToken == "" && c.Token == "" && c.Username == ""
}

// String never prints secrets.
func (c Credentials) String() string {
	return "credentials(" + c.AccountRef + ")"
}

// Provider resolves an account reference to credentials.
type Provider interface {
	Resolve(ctx context.Context, accountRef string) (Credentials, error)
}

// DefaultAccount is used when a task carries no account reference.
const DefaultAccount = "default"

// StaticProvider serves credentials from configuration.
type StaticProvider struct {
	accounts map[string]Credentials
}

// NewStaticProvider creates a provider over a fixed account map
func NewStaticProvider(accounts map[string]Credentials) *StaticProvider {
	copied := make(map[string]Credentials, len(accounts))
	for ref, c := range accounts {
		c.AccountRef = ref
		copied[ref] = c
	}
	return &StaticProvider{accounts: copied}
}

// Resolve implements Provider. An empty reference falls back to the default
// account, and to empty credentials when none is configured.
func (p *StaticProvider) Resolve(_ context.Context, accountRef string) (Credentials, error) {
	ref := strings.TrimSpace(accountRef)
	if ref == "" {
		if c, ok := p.accounts[DefaultAccount]; ok {
			return c, nil
		}
		return Credentials{AccountRef: DefaultAccount}, nil
	}

	c, ok := p.accounts[ref]
	if !ok {
		return Credentials{}, xerrors.Authentication(xerrors.SystemSecrets,
			xerrors.NotFound("no credentials configured for account %q", ref))
	}
	return c, nil
}
