// Package onchain pays withdrawals on the bitcoin network through a hosted
// wallet merchant API.
package onchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/payout"
	"github.com/thrasher-corp/withdrawer/payout/request"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

// New returns an on chain executor. client may be nil.
func New(s *Settings, creds Credentials, client *http.Client) (*Executor, error) {
	if s == nil || strings.TrimSpace(s.APIURL) == "" {
		return nil, errAPIURLEmpty
	}
	if creds.GUID == "" || creds.MainPassword == "" {
		return nil, errCredentialsMissing
	}
	params, err := networkParams(s.Network)
	if err != nil {
		return nil, err
	}
	if s.FromAddress != "" {
		if _, err := decodeAddress(s.FromAddress, params); err != nil {
			return nil, fmt.Errorf("%w: %w", errFromAddressInvalid, err)
		}
	}
	return &Executor{
		settings: *s,
		creds:    creds,
		params:   params,
		endpoint: strings.TrimRight(s.APIURL, "/") + fmt.Sprintf(paymentPath, url.PathEscape(creds.GUID)),
		requester: request.New(string(payout.OnChain), client,
			request.WithLimiter(request.NewRateLimit(s.RequestsPerSecond)),
			request.WithMaxRetries(s.MaxRetries),
			request.WithVerbose(s.Verbose)),
	}, nil
}

// Kind returns the backend kind
func (e *Executor) Kind() payout.Kind {
	return payout.OnChain
}

// Execute sends the payment. Validation failures and payments that provably
// never reached the wallet service are Failures. Once the payment may have
// been submitted any missing confirmation is Uncertain.
func (e *Executor) Execute(ctx context.Context, r *withdraw.Request) withdraw.PayoutResult {
	if r == nil {
		return failure(withdraw.ErrRequestCannotBeNil)
	}
	if !strings.EqualFold(r.Currency, currencyCode) {
		return failure(fmt.Errorf("%w: %s", errUnsupportedCurrency, r.Currency))
	}
	address, err := decodeAddress(r.DestinationValue(DestinationKey), e.params)
	if err != nil {
		return failure(err)
	}
	satoshis := r.Amount.Shift(satoshiExp)
	if !satoshis.IsPositive() || !satoshis.Equal(satoshis.Truncate(0)) {
		return failure(fmt.Errorf("%w: %s", errInvalidAmount, r.Amount))
	}

	form := url.Values{}
	form.Set("password", e.creds.MainPassword)
	if e.creds.SecondPassword != "" {
		form.Set("second_password", e.creds.SecondPassword)
	}
	form.Set("to", address.EncodeAddress())
	form.Set("amount", satoshis.String())
	if e.settings.FromAddress != "" {
		form.Set("from", e.settings.FromAddress)
	}
	if note := e.note(r); note != "" {
		form.Set("note", note)
	}

	resp, err := e.requester.SendPayload(ctx, &request.Item{
		Method:      http.MethodPost,
		Path:        e.endpoint,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	})
	if err != nil {
		if errors.Is(err, request.ErrNotSent) {
			return failure(err)
		}
		return uncertain("", err)
	}
	return e.classify(r, resp)
}

func (e *Executor) classify(r *withdraw.Request, resp *request.Response) withdraw.PayoutResult {
	if resp.StatusCode >= http.StatusInternalServerError {
		return uncertain("", fmt.Errorf("%w: status %d", errUnexpectedResponse, resp.StatusCode))
	}
	var p paymentResponse
	if err := json.Unmarshal(resp.Body, &p); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return failure(fmt.Errorf("%w: status %d", errPaymentRejected, resp.StatusCode))
		}
		return uncertain("", fmt.Errorf("%w: %w", errUnexpectedResponse, err))
	}
	switch {
	case p.TxHash != "":
		log.Infof(log.PayoutMgr, "Withdrawal %s paid %s BTC on chain, tx %s", r.ID, r.Amount, p.TxHash)
		return withdraw.PayoutResult{Reference: p.TxHash, Outcome: withdraw.Succeeded}
	case p.Error != "":
		return failure(fmt.Errorf("%w: %s", errPaymentRejected, p.Error))
	case resp.StatusCode >= http.StatusBadRequest:
		return failure(fmt.Errorf("%w: status %d", errPaymentRejected, resp.StatusCode))
	}
	return uncertain("", fmt.Errorf("%w: no transaction hash", errUnexpectedResponse))
}

func (e *Executor) note(r *withdraw.Request) string {
	if e.settings.Note == "" {
		return ""
	}
	return strings.ReplaceAll(e.settings.Note, "{id}", r.ID)
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case MainNet, "":
		return &chaincfg.MainNetParams, nil
	case TestNet:
		return &chaincfg.TestNet3Params, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnsupportedNetwork, network)
}

func decodeAddress(address string, params *chaincfg.Params) (btcutil.Address, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, fmt.Errorf("%w: empty", errInvalidAddress)
	}
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidAddress, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("%w: %s is not a %s address", errInvalidAddress, address, params.Name)
	}
	return addr, nil
}

func failure(err error) withdraw.PayoutResult {
	log.Warnf(log.PayoutMgr, "On chain payout failed: %v", err)
	return withdraw.PayoutResult{Outcome: withdraw.Failure, Err: err}
}

func uncertain(reference string, err error) withdraw.PayoutResult {
	log.Errorf(log.PayoutMgr, "On chain payout outcome unknown, manual reconciliation required: %v", err)
	return withdraw.PayoutResult{Reference: reference, Outcome: withdraw.Uncertain, Err: err}
}
