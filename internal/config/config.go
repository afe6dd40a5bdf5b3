// Package config resolves the bridge's operator-facing configuration from
// the process environment. Parsing a configuration *file* is explicitly out
// of scope (spec §1); only environment variables are read, matching spec
// §6.6's recognized option list. Validation walks every field and reports
// every error, mirroring the teacher's
// internal/services/coinregistry.CoinMetadata.Validate exhaustive style.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var privateKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// EscrowConfig is the all-or-nothing escrow collaborator triplet.
type EscrowConfig struct {
	Address     string
	RPCURL      string
	ProviderDID string
}

func (e *EscrowConfig) configured() bool {
	return e != nil && (e.Address != "" || e.RPCURL != "" || e.ProviderDID != "")
}

func (e *EscrowConfig) complete() bool {
	return e.Address != "" && e.RPCURL != "" && e.ProviderDID != ""
}

// PaymentConfig is the optional inline-micropayment middleware block.
type PaymentConfig struct {
	Enabled               bool
	USDCAddress           string
	PayTo                 string
	ValidityPeriodSeconds int
}

// Config is the fully resolved, immutable-after-construction operator
// configuration.
type Config struct {
	PrivateKey         string
	Host               string
	Port               int
	RequireAuth        bool
	BearerToken        string
	WSAuthToken        string
	FreeTierEnabled    bool
	TaskTimeoutSeconds int
	PricePerTask       float64
	NodeURL            string
	SandboxRoot        string
	ExecutorBinary     string
	ExecutorAllowedArgs []string
	MaxPending         int
	MaxCompleted       int
	MaxProfiles        int
	CompletedTTLSecs   int
	BodyLimitBytes     int64
	Escrow             *EscrowConfig
	Payment            PaymentConfig
	TrustStorePath     string
	RateLimitStorePath string
	AllowedOrigins     []string
	Development        bool
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// Load reads Config from the process environment and validates it. It
// returns every validation failure found, not just the first (spec §6.6).
func Load() (*Config, []error) {
	var errs []error

	cfg := &Config{
		PrivateKey:         os.Getenv("PRIVATE_KEY"),
		Host:               getenv("HOST", "127.0.0.1"),
		RequireAuth:        getenv("REQUIRE_AUTH", "true") == "true",
		BearerToken:        os.Getenv("BEARER_TOKEN"),
		WSAuthToken:        os.Getenv("WS_AUTH_TOKEN"),
		FreeTierEnabled:    getenv("FREE_TIER_ENABLED", "true") == "true",
		NodeURL:            os.Getenv("NODE_URL"),
		SandboxRoot:        getenv("SANDBOX_ROOT", "/var/lib/agoramesh/sandbox"),
		ExecutorBinary:     getenv("EXECUTOR_BINARY", "agoramesh-executor"),
		TrustStorePath:     getenv("TRUST_STORE_PATH", "./data/trust.json"),
		RateLimitStorePath: getenv("RATE_LIMIT_STORE_PATH", "./data/ratelimit.json"),
		Development:        getenv("DEV_MODE", "false") == "true",
	}

	port, err := strconv.Atoi(getenv("PORT", "8080"))
	if err != nil {
		errs = append(errs, fmt.Errorf("port: %w", err))
	} else if port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("port: must be between 1 and 65535, got %d", port))
	}
	cfg.Port = port

	if cfg.PrivateKey == "" {
		errs = append(errs, fmt.Errorf("private_key: required"))
	} else if !privateKeyPattern.MatchString(cfg.PrivateKey) {
		errs = append(errs, fmt.Errorf("private_key: must match ^0x[0-9a-fA-F]{64}$"))
	}

	cfg.TaskTimeoutSeconds, err = strconv.Atoi(getenv("TASK_TIMEOUT_SECONDS", "300"))
	if err != nil {
		errs = append(errs, fmt.Errorf("task_timeout_seconds: %w", err))
	} else if cfg.TaskTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("task_timeout_seconds: must be >= 1"))
	}

	if priceStr := getenv("PRICE_PER_TASK", "0"); priceStr != "" {
		cfg.PricePerTask, err = strconv.ParseFloat(priceStr, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("price_per_task: %w", err))
		} else if cfg.PricePerTask < 0 {
			errs = append(errs, fmt.Errorf("price_per_task: must be >= 0"))
		}
	}

	if cfg.NodeURL != "" {
		if _, err := url.ParseRequestURI(cfg.NodeURL); err != nil {
			errs = append(errs, fmt.Errorf("node_url: invalid URL: %w", err))
		}
	}

	escrow := &EscrowConfig{
		Address:     os.Getenv("ESCROW_ADDRESS"),
		RPCURL:      os.Getenv("ESCROW_RPC_URL"),
		ProviderDID: os.Getenv("ESCROW_PROVIDER_DID"),
	}
	if escrow.configured() {
		if !escrow.complete() {
			errs = append(errs, fmt.Errorf("escrow: address, rpc_url, and provider_did must all be set or all be empty"))
		} else {
			cfg.Escrow = escrow
		}
	}

	payEnabled := getenv("PAYMENT_ENABLED", "false") == "true"
	if payEnabled {
		usdc := os.Getenv("USDC_ADDRESS")
		if usdc == "" {
			errs = append(errs, fmt.Errorf("payment: usdc_address is required when payment middleware is enabled"))
		}
		validity := 0
		if v := os.Getenv("PAYMENT_VALIDITY_PERIOD_SECONDS"); v != "" {
			validity, err = strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("payment.validity_period_seconds: %w", err))
			}
		}
		cfg.Payment = PaymentConfig{
			Enabled:               true,
			USDCAddress:           usdc,
			PayTo:                 os.Getenv("PAYMENT_PAY_TO"),
			ValidityPeriodSeconds: validity,
		}
	}

	cfg.MaxPending = intEnv("MAX_PENDING", 500, &errs)
	cfg.MaxCompleted = intEnv("MAX_COMPLETED", 1000, &errs)
	cfg.MaxProfiles = intEnv("MAX_PROFILES", 10000, &errs)
	cfg.CompletedTTLSecs = intEnv("COMPLETED_TTL_SECONDS", 3600, &errs)
	cfg.BodyLimitBytes = int64(intEnv("BODY_LIMIT_BYTES", 1<<20, &errs))

	if origins := os.Getenv("WS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	kinds := getenv("EXECUTOR_ALLOWED_KINDS", "prompt,code-review,translation")
	for _, k := range strings.Split(kinds, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			cfg.ExecutorAllowedArgs = append(cfg.ExecutorAllowedArgs, k)
		}
	}

	return cfg, errs
}

func intEnv(key string, def int, errs *[]error) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", strings.ToLower(key), err))
		return def
	}
	return n
}
