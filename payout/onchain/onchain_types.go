package onchain

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/thrasher-corp/withdrawer/payout/request"
)

// Supported networks
const (
	MainNet = "mainnet"
	TestNet = "testnet"
)

// DestinationKey is the destination metadata field holding the address
const DestinationKey = "wallet"

const (
	currencyCode = "BTC"
	satoshiExp   = 8
	paymentPath  = "/merchant/%s/payment"
)

var (
	errAPIURLEmpty         = errors.New("api url cannot be empty")
	errCredentialsMissing  = errors.New("wallet guid and main password are required")
	errUnsupportedNetwork  = errors.New("unsupported bitcoin network")
	errFromAddressInvalid  = errors.New("from address is not valid for network")
	errUnsupportedCurrency = errors.New("currency is not payable on chain")
	errInvalidAddress      = errors.New("invalid destination address")
	errInvalidAmount       = errors.New("amount is not a positive whole number of satoshis")
	errPaymentRejected     = errors.New("payment rejected by wallet service")
	errUnexpectedResponse  = errors.New("unexpected wallet service response")
)

// Settings are the non secret on chain payout settings
type Settings struct {
	APIURL            string  `json:"apiURL" mapstructure:"api_url"`
	FromAddress       string  `json:"fromAddress" mapstructure:"from_address"`
	Note              string  `json:"note" mapstructure:"note"`
	Network           string  `json:"network" mapstructure:"network"`
	RequestsPerSecond float64 `json:"requestsPerSecond" mapstructure:"requests_per_second"`
	MaxRetries        int     `json:"maxRetries" mapstructure:"max_retries"`
	Verbose           bool    `json:"verbose" mapstructure:"verbose"`
}

// Credentials unlock the hosted wallet
type Credentials struct {
	GUID           string
	MainPassword   string
	SecondPassword string
}

// Executor pays BTC withdrawals through a hosted wallet merchant API
type Executor struct {
	settings  Settings
	creds     Credentials
	params    *chaincfg.Params
	endpoint  string
	requester *request.Requester
}

// paymentResponse is returned by the merchant payment endpoint
type paymentResponse struct {
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
	Notice  string `json:"notice"`
	Error   string `json:"error"`
}
