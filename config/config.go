// Package config loads and validates the withdrawer configuration. Secrets in
// the file are sealed and only opened by the vault at startup.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kat-co/vala"
	"github.com/spf13/viper"
	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/dispatch"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/session"
	"github.com/thrasher-corp/withdrawer/vault"
)

// sealedKeys may be supplied through the environment even when absent from
// the file
var sealedKeys = []string{
	vault.SessionIdentity,
	vault.SessionSecret,
	vault.SessionSecondFactor,
	SecretOnChainGUID,
	SecretOnChainMainPassword,
	SecretOnChainSecondPassword,
	SecretVoucherAPIKey,
}

// LoadConfig reads the file at path, applies environment overrides and
// defaults, then validates the result. The format follows the extension.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	for _, k := range sealedKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w %s: %w", errFailureOpeningConfig, path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w %s: %w", errFailureOpeningConfig, path, err)
	}
	if c.Database.Driver == database.DBSQLite3 && c.Database.ConnectionString != "" &&
		!filepath.IsAbs(c.Database.ConnectionString) && !strings.HasPrefix(c.Database.ConnectionString, "file:") {
		c.Database.ConnectionString = filepath.Join(filepath.Dir(path), c.Database.ConnectionString)
	}
	if err := c.CheckConfig(); err != nil {
		return nil, err
	}
	log.Debugf(log.ConfigMgr, "Loaded config %s", path)
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "withdrawer")
	v.SetDefault("exchange.url", "")
	v.SetDefault("exchange.broker_id", "")
	v.SetDefault("exchange.proxy_url", "")
	v.SetDefault("exchange.verbose", false)
	v.SetDefault("exchange.heartbeat_interval", session.DefaultHeartbeatInterval)
	v.SetDefault("exchange.traffic_timeout", session.DefaultTrafficTimeout)
	v.SetDefault("exchange.handshake_timeout", session.DefaultHandshakeTimeout)
	v.SetDefault("exchange.backoff_base", session.DefaultBackoffBase)
	v.SetDefault("exchange.backoff_cap", session.DefaultBackoffCap)
	v.SetDefault("database.driver", database.DBSQLite3)
	v.SetDefault("database.connection_string", defaultSQLiteDatabase)
	v.SetDefault("database.verbose", false)
	v.SetDefault("database.query_timeout", database.DefaultQueryTimeout)
	v.SetDefault("engine.max_in_flight", DefaultMaxInFlight)
	v.SetDefault("engine.submit_timeout", DefaultSubmitTimeout)
	v.SetDefault("engine.execution_timeout", DefaultExecutionTimeout)
	v.SetDefault("engine.shutdown_grace", DefaultShutdownGrace)
	v.SetDefault("engine.metrics_listen_address", "")
}

// CheckConfig fills unset values with defaults and refuses configurations
// that cannot run: missing required settings, an unusable endpoint, an
// incomplete policy or a routed backend without its secrets
func (c *Config) CheckConfig() error {
	c.CheckLoggerConfig()
	c.checkEngineConfig()
	c.checkBackendDefaults()

	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(c.Exchange.URL, "exchange.url"),
		vala.StringNotEmpty(c.Exchange.BrokerID, "exchange.broker_id"),
		vala.StringNotEmpty(c.Exchange.Username, "exchange.username"),
		vala.StringNotEmpty(c.Exchange.Password, "exchange.password"),
		vala.StringNotEmpty(c.Database.Driver, "database.driver"),
		vala.StringNotEmpty(c.Database.ConnectionString, "database.connection_string"),
		vala.GreaterThan(c.Engine.MaxInFlight, 0, "engine.max_in_flight"),
	).Check()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := session.ResolveEndpoint(c.Exchange.URL); err != nil {
		return fmt.Errorf("%w: exchange.url: %w", ErrInvalidConfig, err)
	}
	switch c.Database.Driver {
	case database.DBPostgreSQL, database.DBSQLite3:
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalidConfig, errUnsupportedDriver, c.Database.Driver)
	}
	return c.checkPolicy()
}

// CheckLoggerConfig replaces a missing logging section with defaults
func (c *Config) CheckLoggerConfig() {
	if c.Logging.Enabled == nil || c.Logging.Output == "" {
		c.Logging = log.GenDefaultSettings()
	}
}

func (c *Config) checkEngineConfig() {
	if c.Engine.MaxInFlight == 0 {
		c.Engine.MaxInFlight = DefaultMaxInFlight
	}
	if c.Engine.SubmitTimeout <= 0 {
		c.Engine.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.Engine.ExecutionTimeout <= 0 {
		c.Engine.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.Engine.ShutdownGrace <= 0 {
		c.Engine.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Database.QueryTimeout <= 0 {
		c.Database.QueryTimeout = database.DefaultQueryTimeout
	}
}

func (c *Config) checkBackendDefaults() {
	if c.OnChain != nil && c.OnChain.MaxRetries == 0 {
		c.OnChain.MaxRetries = DefaultPayoutRetries
	}
	if c.Voucher != nil && c.Voucher.MaxRetries == 0 {
		c.Voucher.MaxRetries = DefaultPayoutRetries
	}
}

// checkPolicy builds the policy once to validate it, then makes sure every
// backend it routes to is configured with all of its secrets
func (c *Config) checkPolicy() error {
	p, err := dispatch.NewPolicy(&c.Policy)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMissingPolicy, err)
	}
	for _, k := range p.Kinds() {
		switch k {
		case payout.OnChain:
			if c.OnChain == nil {
				return fmt.Errorf("%w: %s", errBackendNotConfigured, k)
			}
			err = vala.BeginValidation().Validate(
				vala.StringNotEmpty(c.OnChain.APIURL, "onchain.api_url"),
				vala.StringNotEmpty(c.OnChain.GUID, SecretOnChainGUID),
				vala.StringNotEmpty(c.OnChain.MainPassword, SecretOnChainMainPassword),
			).Check()
		case payout.Voucher:
			if c.Voucher == nil {
				return fmt.Errorf("%w: %s", errBackendNotConfigured, k)
			}
			err = vala.BeginValidation().Validate(
				vala.StringNotEmpty(c.Voucher.APIURL, "voucher.api_url"),
				vala.StringNotEmpty(c.Voucher.APIKey, SecretVoucherAPIKey),
				vala.StringNotEmpty(c.Voucher.TemplateName, "voucher.template_name"),
				vala.StringNotEmpty(c.Voucher.FromEmail, "voucher.from_email"),
			).Check()
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", errBackendSecrets, k, err)
		}
	}
	return nil
}

// SealedSecrets returns every sealed value keyed by its secret name
func (c *Config) SealedSecrets() map[string]string {
	s := map[string]string{
		vault.SessionIdentity:     c.Exchange.Username,
		vault.SessionSecret:       c.Exchange.Password,
		vault.SessionSecondFactor: c.Exchange.SecondFactorSecret,
	}
	if c.OnChain != nil {
		s[SecretOnChainGUID] = c.OnChain.GUID
		s[SecretOnChainMainPassword] = c.OnChain.MainPassword
		s[SecretOnChainSecondPassword] = c.OnChain.SecondPassword
	}
	if c.Voucher != nil {
		s[SecretVoucherAPIKey] = c.Voucher.APIKey
	}
	return s
}
