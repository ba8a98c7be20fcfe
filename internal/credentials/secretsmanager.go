package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	xerrors "transferd/internal/errors"
)

// AWS error codes handled explicitly
const (
	resourceNotFoundException = "ResourceNotFoundException"
	accessDeniedException     = "AccessDeniedException"
	decryptionFailure         = "DecryptionFailure"
	invalidRequestException   = "InvalidRequestException"
)

// SecretsAPI is the subset of the Secrets Manager client used here
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider resolves account references to JSON secrets named
// <prefix><accountRef>.
type SecretsManagerProvider struct {
	api    SecretsAPI
	prefix string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedCredentials
}

type cachedCredentials struct {
	creds   Credentials
	expires time.Time
}

// NewSecretsManagerProvider loads the default AWS configuration for region.
func NewSecretsManagerProvider(ctx context.Context, region, prefix string, ttl time.Duration, logger *zap.Logger) (*SecretsManagerProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSecretsManagerProviderWithAPI(secretsmanager.NewFromConfig(cfg), prefix, ttl, logger), nil
}

// NewSecretsManagerProviderWithAPI builds a provider over an existing client
func NewSecretsManagerProviderWithAPI(api SecretsAPI, prefix string, ttl time.Duration, logger *zap.Logger) *SecretsManagerProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretsManagerProvider{
		api:    api,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cachedCredentials),
	}
}

// Resolve implements Provider.
func (p *SecretsManagerProvider) Resolve(ctx context.Context, accountRef string) (Credentials, error) {
	ref := strings.TrimSpace(accountRef)
	if ref == "" {
		ref = DefaultAccount
	}

	if c, ok := p.cached(ref); ok {
		return c, nil
	}

	secretID := p.prefix + ref
	p.logger.Debug("Resolving credentials", zap.String("secret_id", secretID))

	out, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return Credentials{}, classify(err, secretID)
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		raw = out.SecretBinary
	default:
		return Credentials{}, xerrors.Authentication(xerrors.SystemSecrets,
			fmt.Errorf("secret %s is empty", secretID))
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, xerrors.Authentication(xerrors.SystemSecrets,
			fmt.Errorf("secret %s is not a JSON credential document: %w", secretID, err))
	}
	creds.AccountRef = ref

	p.store(ref, creds)
	return creds, nil
}

func (p *SecretsManagerProvider) cached(ref string) (Credentials, bool) {
	if p.ttl <= 0 {
		return Credentials{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[ref]
	if !ok || p.now().After(entry.expires) {
		delete(p.cache, ref)
		return Credentials{}, false
	}
	return entry.creds, true
}

func (p *SecretsManagerProvider) store(ref string, creds Credentials) {
	if p.ttl <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[ref] = cachedCredentials{creds: creds, expires: p.now().Add(p.ttl)}
}

func classify(err error, secretID string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case resourceNotFoundException, accessDeniedException, decryptionFailure, invalidRequestException:
			return xerrors.Authentication(xerrors.SystemSecrets,
				fmt.Errorf("secret %s: %s: %s", secretID, apiErr.ErrorCode(), apiErr.ErrorMessage()))
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return xerrors.Transient(xerrors.SystemSecrets, err, "secrets manager unavailable")
		}
	}
	if xerrors.IsRetryable(err) {
		return xerrors.Transient(xerrors.SystemSecrets, err, "secrets manager unavailable")
	}
	return xerrors.Wrap(xerrors.CodeInternal, err, "resolve credentials").WithSystem(xerrors.SystemSecrets)
}
