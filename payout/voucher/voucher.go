// Package voucher pays fiat withdrawals by emailing a voucher rendered from a
// mail service template.
package voucher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/payout/request"
	"github.com/thrasher-corp/withdrawer/withdraw"
	"golang.org/x/text/currency"
)

// New returns a voucher executor. client may be nil.
func New(s *Settings, apiKey string, client *http.Client) (*Executor, error) {
	switch {
	case s == nil || strings.TrimSpace(s.APIURL) == "":
		return nil, errAPIURLEmpty
	case apiKey == "":
		return nil, errAPIKeyEmpty
	case s.TemplateName == "":
		return nil, errTemplateEmpty
	case s.FromEmail == "":
		return nil, errFromEmailEmpty
	}
	return &Executor{
		settings: *s,
		apiKey:   apiKey,
		endpoint: strings.TrimRight(s.APIURL, "/") + sendTemplatePath,
		requester: request.New(string(payout.Voucher), client,
			request.WithLimiter(request.NewRateLimit(s.RequestsPerSecond)),
			request.WithMaxRetries(s.MaxRetries),
			request.WithVerbose(s.Verbose)),
	}, nil
}

// Kind returns the backend kind
func (e *Executor) Kind() payout.Kind {
	return payout.Voucher
}

// Execute sends the voucher email
func (e *Executor) Execute(ctx context.Context, r *withdraw.Request) withdraw.PayoutResult {
	if r == nil {
		return failure(withdraw.ErrRequestCannotBeNil)
	}
	unit, err := currency.ParseISO(r.Currency)
	if err != nil {
		return failure(fmt.Errorf("%w: %s", errInvalidCurrency, r.Currency))
	}
	to := recipient{Email: e.settings.ToEmail, Name: e.settings.ToName, Type: "to"}
	if to.Email == "" {
		to.Email = r.DestinationValue(DestinationEmailKey)
	}
	if to.Email == "" {
		return failure(fmt.Errorf("%w for %s", errNoRecipient, r.ID))
	}

	body, err := json.Marshal(&sendTemplate{
		Key:             e.apiKey,
		TemplateName:    e.settings.TemplateName,
		TemplateContent: []templateVar{},
		Message: message{
			FromEmail:       e.settings.FromEmail,
			FromName:        e.settings.FromName,
			To:              []recipient{to},
			GlobalMergeVars: e.mergeVars(r, unit),
			Metadata:        map[string]string{"request_id": r.ID},
		},
	})
	if err != nil {
		return failure(err)
	}
	resp, err := e.requester.SendPayload(ctx, &request.Item{
		Method:      http.MethodPost,
		Path:        e.endpoint,
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		if errors.Is(err, request.ErrNotSent) {
			return failure(err)
		}
		return uncertain(err)
	}
	return classify(r, resp)
}

// mergeVars renders the request into template variables. The amount is
// formatted with the currency's standard scale.
func (e *Executor) mergeVars(r *withdraw.Request, unit currency.Unit) []templateVar {
	scale, _ := currency.Standard.Rounding(unit)
	vars := []templateVar{
		{Name: "id", Content: r.ID},
		{Name: "account_id", Content: r.AccountID},
		{Name: "amount", Content: r.Amount.StringFixed(int32(scale))},
		{Name: "currency", Content: unit.String()},
		{Name: "method", Content: r.Method},
		{Name: "website", Content: e.settings.Website},
	}
	keys := make([]string, 0, len(r.Destination))
	for k := range r.Destination {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars = append(vars, templateVar{Name: "data_" + strings.ToLower(k), Content: r.Destination[k]})
	}
	return vars
}

func classify(r *withdraw.Request, resp *request.Response) withdraw.PayoutResult {
	var apiErr apiError
	if json.Unmarshal(resp.Body, &apiErr) == nil && apiErr.Status == statusError {
		return failure(fmt.Errorf("%w: %s %s", errMessageRejected, apiErr.Name, apiErr.Message))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return uncertain(fmt.Errorf("%w: status %d", errUnexpectedResponse, resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return failure(fmt.Errorf("%w: status %d", errMessageRejected, resp.StatusCode))
	}
	var results []sendResult
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		return uncertain(fmt.Errorf("%w: %w", errUnexpectedResponse, err))
	}
	if len(results) == 0 {
		return uncertain(fmt.Errorf("%w: empty result", errUnexpectedResponse))
	}
	res := results[0]
	switch res.Status {
	case statusSent, statusQueued, statusScheduled:
		log.Infof(log.PayoutMgr, "Withdrawal %s voucher %s to %s, message %s", r.ID, res.Status, res.Email, res.ID)
		return withdraw.PayoutResult{Reference: res.ID, Outcome: withdraw.Succeeded}
	case statusRejected, statusInvalid:
		return failure(fmt.Errorf("%w: %s %s", errMessageRejected, res.Status, res.RejectReason))
	}
	return uncertain(fmt.Errorf("%w: status %q", errUnexpectedResponse, res.Status))
}

func failure(err error) withdraw.PayoutResult {
	log.Warnf(log.PayoutMgr, "Voucher payout failed: %v", err)
	return withdraw.PayoutResult{Outcome: withdraw.Failure, Err: err}
}

func uncertain(err error) withdraw.PayoutResult {
	log.Errorf(log.PayoutMgr, "Voucher payout outcome unknown, manual reconciliation required: %v", err)
	return withdraw.PayoutResult{Outcome: withdraw.Uncertain, Err: err}
}
