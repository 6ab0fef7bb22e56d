package config

import (
	"errors"
	"time"

	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/dispatch"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/payout/onchain"
	"github.com/thrasher-corp/withdrawer/payout/voucher"
	"github.com/thrasher-corp/withdrawer/session"
)

// EnvPrefix prefixes every environment override, keys use _ for .
const EnvPrefix = "WITHDRAWER"

// Secret names for sealed values, matching their config keys
const (
	SecretOnChainGUID           = "onchain.guid"
	SecretOnChainMainPassword   = "onchain.main_password"
	SecretOnChainSecondPassword = "onchain.second_password"
	SecretVoucherAPIKey         = "voucher.api_key"
)

// Engine defaults
const (
	DefaultMaxInFlight      = 4
	DefaultSubmitTimeout    = 5 * time.Second
	DefaultExecutionTimeout = 2 * time.Minute
	DefaultShutdownGrace    = 30 * time.Second
	DefaultPayoutRetries    = 3
	defaultSQLiteDatabase   = "withdrawer.db"
)

var (
	// ErrInvalidConfig is returned when required settings are missing or
	// malformed
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrMissingPolicy is returned when the dispatch policy is incomplete
	ErrMissingPolicy = errors.New("missing or incomplete policy")

	errFailureOpeningConfig = errors.New("failure opening config file")
	errBackendNotConfigured = errors.New("routed backend is not configured")
	errBackendSecrets       = errors.New("backend is missing secrets")
	errUnsupportedDriver    = errors.New("unsupported database driver")
)

// Config is the withdrawer configuration
type Config struct {
	Name     string          `json:"name" mapstructure:"name"`
	Exchange Exchange        `json:"exchange" mapstructure:"exchange"`
	Policy   dispatch.Config `json:"policy" mapstructure:"policy"`
	Database database.Config `json:"database" mapstructure:"database"`
	Engine   Engine          `json:"engine" mapstructure:"engine"`
	OnChain  *OnChain        `json:"onchain,omitempty" mapstructure:"onchain"`
	Voucher  *Voucher        `json:"voucher,omitempty" mapstructure:"voucher"`
	Logging  log.Config      `json:"logging" mapstructure:"logging"`
}

// Exchange holds the session settings and the sealed login credentials
type Exchange struct {
	session.Config     `mapstructure:",squash"`
	Username           string `json:"username" mapstructure:"username"`
	Password           string `json:"password" mapstructure:"password"`
	SecondFactorSecret string `json:"secondFactorSecret,omitempty" mapstructure:"second_factor_secret"`
}

// Engine holds the request pipeline settings
type Engine struct {
	MaxInFlight          int           `json:"maxInFlight" mapstructure:"max_in_flight"`
	SubmitTimeout        time.Duration `json:"submitTimeout" mapstructure:"submit_timeout"`
	ExecutionTimeout     time.Duration `json:"executionTimeout" mapstructure:"execution_timeout"`
	ShutdownGrace        time.Duration `json:"shutdownGrace" mapstructure:"shutdown_grace"`
	MetricsListenAddress string        `json:"metricsListenAddress" mapstructure:"metrics_listen_address"`
}

// OnChain configures the on chain payout backend, credentials are sealed
type OnChain struct {
	onchain.Settings `mapstructure:",squash"`
	GUID             string `json:"guid" mapstructure:"guid"`
	MainPassword     string `json:"mainPassword" mapstructure:"main_password"`
	SecondPassword   string `json:"secondPassword,omitempty" mapstructure:"second_password"`
}

// Voucher configures the voucher email backend, the api key is sealed
type Voucher struct {
	voucher.Settings `mapstructure:",squash"`
	APIKey           string `json:"apiKey" mapstructure:"api_key"`
}
