package halo

import (
	"os"
	"strings"
)

// Environment variables recognized by ConfigFromEnv and ApplyEnvFallbacks.
const (
	EnvAPIKey     = "HALO_API_KEY"
	EnvSigningKey = "HALO_SIGNING_KEY"
	EnvHaloURL    = "HALO_URL"
	EnvRPCURL     = "HALO_RPC_URL"
)

const (
	// DefaultHaloURL is the production Halo API endpoint.
	DefaultHaloURL = "https://halo.agihalo.com/v1beta"

	// DefaultRPCURL is the public Base mainnet RPC endpoint used by the
	// payment signer when no endpoint is configured.
	DefaultRPCURL = "https://mainnet.base.org"
)

// Config carries the credentials and endpoints shared by the API client and
// the payment-recovery layer. Build it once at startup and hand it to each
// component; nothing in the SDK reads the environment on its own.
type Config struct {
	// APIKey authenticates every Halo API request. Required.
	APIKey string

	// SigningKey is a hex encoded secp256k1 private key used to sign
	// payment authorizations. Optional; without it the recovery layer can
	// classify and extract payment terms but never sign.
	SigningKey string

	// HaloURL overrides the API base endpoint. Trailing slashes are
	// stripped. Defaults to DefaultHaloURL.
	HaloURL string

	// RPCURL is the EVM JSON-RPC endpoint for on-chain reads. Defaults to
	// DefaultRPCURL.
	RPCURL string
}

// ConfigFromEnv builds a Config entirely from the HALO_* environment
// variables.
func ConfigFromEnv() Config {
	return Config{}.ApplyEnvFallbacks()
}

// ApplyEnvFallbacks fills each unset field from its HALO_* environment
// variable. Explicitly set fields always win.
func (c Config) ApplyEnvFallbacks() Config {
	if c.APIKey == "" {
		c.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.SigningKey == "" {
		c.SigningKey = os.Getenv(EnvSigningKey)
	}
	if c.HaloURL == "" {
		c.HaloURL = os.Getenv(EnvHaloURL)
	}
	if c.RPCURL == "" {
		c.RPCURL = os.Getenv(EnvRPCURL)
	}
	return c
}

// WithDefaults returns a copy with unset endpoints replaced by the
// production defaults and the base URL normalized.
func (c Config) WithDefaults() Config {
	if c.HaloURL == "" {
		c.HaloURL = DefaultHaloURL
	}
	c.HaloURL = strings.TrimRight(c.HaloURL, "/")
	if c.RPCURL == "" {
		c.RPCURL = DefaultRPCURL
	}
	return c
}
