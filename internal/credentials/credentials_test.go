package credentials

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "transferd/internal/errors"
)

type mockSecretsAPI struct {
	calls atomic.Int32
	fn    func(id string) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *mockSecretsAPI) GetSecretValue(
	_ context.Context,
	params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls.Add(1)
	return m.fn(aws.ToString(params.SecretId))
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]Credentials{
		"default": {AccessKey: "dk"},
		"lab":     {AccessKey: "lk", SecretKey: "ls"},
	})
	ctx := context.Background()

	c, err := p.Resolve(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, "lk", c.AccessKey)
	assert.Equal(t, "lab", c.AccountRef)

	c, err = p.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "dk", c.AccessKey)

	_, err = p.Resolve(ctx, "nobody")
	assert.ErrorIs(t, err, xerrors.ErrAuthentication)
	assert.Equal(t, xerrors.SystemSecrets, xerrors.SystemOf(err))
}

func TestStaticProviderWithoutDefault(t *testing.T) {
	c, err := NewStaticProvider(nil).Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

func TestCredentialsStringHidesSecrets(t *testing.T) {
	c := Credentials{AccountRef: "lab", SecretKey: "hunter2"}
	assert.NotContains(t, c.String(), "hunter2")
}

func TestSecretsManagerProviderDecodesAndCaches(t *testing.T) {
	api := &mockSecretsAPI{fn: func(id string) (*secretsmanager.GetSecretValueOutput, error) {
		assert.Equal(t, "transferd/lab", id)
		return &secretsmanager.GetSecretValueOutput{
			SecretString: aws.String(`{"access_key":"ak","secret_key":"sk"}`),
		}, nil
	}}
	p := NewSecretsManagerProviderWithAPI(api, "transferd/", time.Minute, nil)

	for i := 0; i < 3; i++ {
		c, err := p.Resolve(context.Background(), "lab")
		require.NoError(t, err)
		assert.Equal(t, "ak", c.AccessKey)
		assert.Equal(t, "sk", c.SecretKey)
		assert.Equal(t, "lab", c.AccountRef)
	}
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestSecretsManagerProviderCacheExpiry(t *testing.T) {
	api := &mockSecretsAPI{fn: func(string) (*secretsmanager.GetSecretValueOutput, error) {
		return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"token":"t"}`)}, nil
	}}
	p := NewSecretsManagerProviderWithAPI(api, "", time.Minute, nil)
	now := time.Now()
	p.now = func() time.Time { return now }

	_, err := p.Resolve(context.Background(), "a")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = p.Resolve(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, int32(2), api.calls.Load())
}

func TestSecretsManagerProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		out  *secretsmanager.GetSecretValueOutput
		is   error
	}{
		{
			name: "not found",
			err:  &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "missing"},
			is:   xerrors.ErrAuthentication,
		},
		{
			name: "access denied",
			err:  &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"},
			is:   xerrors.ErrAuthentication,
		},
		{
			name: "server fault",
			err:  &smithy.GenericAPIError{Code: "InternalServiceError", Message: "oops", Fault: smithy.FaultServer},
			is:   xerrors.ErrTransient,
		},
		{
			name: "network",
			err:  errors.New("dial tcp: connection refused"),
			is:   xerrors.ErrTransient,
		},
		{
			name: "empty secret",
			out:  &secretsmanager.GetSecretValueOutput{},
			is:   xerrors.ErrAuthentication,
		},
		{
			name: "malformed secret",
			out:  &secretsmanager.GetSecretValueOutput{SecretString: aws.String("not json")},
			is:   xerrors.ErrAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockSecretsAPI{fn: func(string) (*secretsmanager.GetSecretValueOutput, error) {
				return tt.out, tt.err
			}}
			p := NewSecretsManagerProviderWithAPI(api, "", 0, nil)

			_, err := p.Resolve(context.Background(), "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			assert.Equal(t, xerrors.SystemSecrets, xerrors.SystemOf(err))
		})
	}
}
