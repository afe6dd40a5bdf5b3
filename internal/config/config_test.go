package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadRequiresPrivateKey(t *testing.T) {
	clearEnv(t, "PRIVATE_KEY")
	_, errs := Load()
	require.NotEmpty(t, errs)
}

func TestLoadAcceptsValidPrivateKey(t *testing.T) {
	clearEnv(t, "PRIVATE_KEY", "ESCROW_ADDRESS", "ESCROW_RPC_URL", "ESCROW_PROVIDER_DID", "PAYMENT_ENABLED")
	os.Setenv("PRIVATE_KEY", "0x"+stringsRepeat("a", 64))
	cfg, errs := Load()
	require.Empty(t, errs)
	assert.Equal(t, "0x"+stringsRepeat("a", 64), cfg.PrivateKey)
	assert.Nil(t, cfg.Escrow)
}

func TestLoadRejectsMalformedPrivateKey(t *testing.T) {
	clearEnv(t, "PRIVATE_KEY")
	os.Setenv("PRIVATE_KEY", "not-hex")
	_, errs := Load()
	require.NotEmpty(t, errs)
}

func TestLoadRequiresCompleteEscrowTriplet(t *testing.T) {
	clearEnv(t, "PRIVATE_KEY", "ESCROW_ADDRESS", "ESCROW_RPC_URL", "ESCROW_PROVIDER_DID")
	os.Setenv("PRIVATE_KEY", "0x"+stringsRepeat("a", 64))
	os.Setenv("ESCROW_ADDRESS", "0xdeadbeef")

	_, errs := Load()
	require.NotEmpty(t, errs)
}

func TestLoadAcceptsCompleteEscrowTriplet(t *testing.T) {
	clearEnv(t, "PRIVATE_KEY", "ESCROW_ADDRESS", "ESCROW_RPC_URL", "ESCROW_PROVIDER_DID")
	os.Setenv("PRIVATE_KEY", "0x"+stringsRepeat("a", 64))
	os.Setenv("ESCROW_ADDRESS", "0xdeadbeef")
	os.Setenv("ESCROW_RPC_URL", "http://localhost:8545")
	os.Setenv("ESCROW_PROVIDER_DID", "did:key:zExample")

	cfg, errs := Load()
	require.Empty(t, errs)
	require.NotNil(t, cfg.Escrow)
	assert.Equal(t, "did:key:zExample", cfg.Escrow.ProviderDID)
}

func TestLoadDefaultsExecutorAllowedArgs(t *testing.T) {
	clearEnv(t, "PRIVATE_KEY", "EXECUTOR_ALLOWED_KINDS")
	os.Setenv("PRIVATE_KEY", "0x"+stringsRepeat("a", 64))

	cfg, errs := Load()
	require.Empty(t, errs)
	assert.ElementsMatch(t, []string{"prompt", "code-review", "translation"}, cfg.ExecutorAllowedArgs)
}

func TestLoadRejectsPortOutOfRange(t *testing.T) {
	clearEnv(t, "PRIVATE_KEY", "PORT")
	os.Setenv("PRIVATE_KEY", "0x"+stringsRepeat("a", 64))
	os.Setenv("PORT", "99999")

	_, errs := Load()
	require.NotEmpty(t, errs)
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
