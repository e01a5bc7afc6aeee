package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/mojitoswap/lp-withdraw/internal/eth"
)

const devKeyHex = "4f3edf983ac636a65a842ce7c78d9aa706d3b113b37c2b1b4c1c5f5d8f5e2d3a"

type fakeAWSClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error
	id  string
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if in.SecretId != nil {
		c.id = *in.SecretId
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "LPW_SIGNER_KEY_TEST_ENV"
	t.Setenv(key, "  super-secret  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "super-secret" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := p.Get(context.Background(), "LPW_MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider_PlainAndJSONField(t *testing.T) {
	t.Parallel()

	client := &fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr(" secret ")}}
	p, err := NewAWSWithClient(client)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "lp-withdraw/signer")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("secret mismatch: got %q", got)
	}

	client.out = &secretsmanager.GetSecretValueOutput{SecretString: strPtr(`{"private_key":"0xabc","other":"x"}`)}
	got, err = p.Get(context.Background(), "lp-withdraw/signer#private_key")
	if err != nil {
		t.Fatalf("Get field: %v", err)
	}
	if got != "0xabc" || client.id != "lp-withdraw/signer" {
		t.Fatalf("field: got %q from %q", got, client.id)
	}
	if _, err := p.Get(context.Background(), "lp-withdraw/signer#missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider_EmptySecret(t *testing.T) {
	t.Parallel()

	p, _ := NewAWSWithClient(&fakeAWSClient{out: &secretsmanager.GetSecretValueOutput{}})
	if _, err := p.Get(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSignerKey(t *testing.T) {
	const key = "LPW_SIGNER_KEY_TEST_LOAD"
	t.Setenv(key, "0x"+devKeyHex)
	pk, err := LoadSignerKey(context.Background(), NewEnv(), key)
	if err != nil {
		t.Fatalf("LoadSignerKey: %v", err)
	}
	if pk == nil {
		t.Fatalf("nil key")
	}

	t.Setenv(key, "not-hex-key-material")
	_, err = LoadSignerKey(context.Background(), NewEnv(), key)
	if !errors.Is(err, eth.ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
	if err != nil && strings.Contains(err.Error(), "not-hex-key-material") {
		t.Fatalf("error leaks key material: %v", err)
	}
}

func strPtr(v string) *string { return &v }
