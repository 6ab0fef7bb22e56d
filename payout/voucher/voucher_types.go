package voucher

import (
	"errors"

	"github.com/thrasher-corp/withdrawer/payout/request"
)

const (
	sendTemplatePath = "/messages/send-template.json"
	// DestinationEmailKey is used as recipient when no operator address is
	// configured
	DestinationEmailKey = "email"
)

// Message statuses reported per recipient
const (
	statusSent      = "sent"
	statusQueued    = "queued"
	statusScheduled = "scheduled"
	statusRejected  = "rejected"
	statusInvalid   = "invalid"
	statusError     = "error"
)

var (
	errAPIURLEmpty        = errors.New("api url cannot be empty")
	errAPIKeyEmpty        = errors.New("api key cannot be empty")
	errTemplateEmpty      = errors.New("template name cannot be empty")
	errFromEmailEmpty     = errors.New("from email cannot be empty")
	errInvalidCurrency    = errors.New("currency is not an ISO 4217 code")
	errNoRecipient        = errors.New("no voucher recipient")
	errMessageRejected    = errors.New("voucher message rejected")
	errUnexpectedResponse = errors.New("unexpected mail service response")
)

// Settings are the non secret voucher email settings
type Settings struct {
	APIURL            string  `json:"apiURL" mapstructure:"api_url"`
	TemplateName      string  `json:"templateName" mapstructure:"template_name"`
	FromEmail         string  `json:"fromEmail" mapstructure:"from_email"`
	FromName          string  `json:"fromName" mapstructure:"from_name"`
	ToEmail           string  `json:"toEmail" mapstructure:"to_email"`
	ToName            string  `json:"toName" mapstructure:"to_name"`
	Website           string  `json:"website" mapstructure:"website"`
	RequestsPerSecond float64 `json:"requestsPerSecond" mapstructure:"requests_per_second"`
	MaxRetries        int     `json:"maxRetries" mapstructure:"max_retries"`
	Verbose           bool    `json:"verbose" mapstructure:"verbose"`
}

// Executor issues fiat withdrawals as voucher emails sent from a template
type Executor struct {
	settings  Settings
	apiKey    string
	endpoint  string
	requester *request.Requester
}

type sendTemplate struct {
	Key             string        `json:"key"`
	TemplateName    string        `json:"template_name"`
	TemplateContent []templateVar `json:"template_content"`
	Message         message       `json:"message"`
}

type message struct {
	FromEmail       string            `json:"from_email"`
	FromName        string            `json:"from_name,omitempty"`
	To              []recipient       `json:"to"`
	GlobalMergeVars []templateVar     `json:"global_merge_vars"`
	Metadata        map[string]string `json:"metadata"`
}

type recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type"`
}

type templateVar struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type sendResult struct {
	Email        string `json:"email"`
	Status       string `json:"status"`
	ID           string `json:"_id"`
	RejectReason string `json:"reject_reason"`
}

type apiError struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}
