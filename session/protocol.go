package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"
	"github.com/thrasher-corp/withdrawer/withdraw"
)

// Message types
const (
	MsgLogin                   = "BE"
	MsgLoginResponse           = "BF"
	MsgTestRequest             = "1"
	MsgHeartbeat               = "0"
	MsgWithdrawList            = "U26"
	MsgWithdrawListResponse    = "U27"
	MsgWithdrawRefresh         = "U9"
	MsgProcessWithdraw         = "B6"
	MsgProcessWithdrawResponse = "B7"
	MsgError                   = "ERROR"
)

// Exchange side withdrawal statuses that are eligible for processing
const (
	withdrawStatusPending    = "1"
	withdrawStatusInProgress = "2"
)

const (
	userStatusLoggedIn = 1
	amountExponent     = -8
	withdrawPageSize   = 100
)

// reasonIDs maps reason codes to the exchange's numeric reason ids
var reasonIDs = map[string]int{
	withdraw.ReasonBlockedAccount:      1,
	withdraw.ReasonUnsupportedCurrency: 2,
	withdraw.ReasonUnsupportedMethod:   3,
	withdraw.ReasonInvalidRequest:      4,
	withdraw.ReasonPayoutFailed:        5,
}

const reasonIDOther = -1

// Frame is a decoded inbound message
type Frame struct {
	MsgType string
	Login   *LoginResponse
	// Request and WithdrawStatus are set for withdraw refresh frames
	Request        *withdraw.Request
	WithdrawStatus string
	// TestReqID is set for test requests and heartbeats
	TestReqID string
	// Text carries the description of error and process withdraw responses
	Text string
}

// LoginResponse is the exchange's reply to a login request
type LoginResponse struct {
	UserID           string
	UserStatus       int64
	UserStatusText   string
	NeedSecondFactor bool
}

type loginRequest struct {
	MsgType      string `json:"MsgType"`
	UserReqID    int64  `json:"UserReqID"`
	BrokerID     any    `json:"BrokerID"`
	Username     string `json:"Username"`
	Password     string `json:"Password"`
	UserReqTyp   string `json:"UserReqTyp"`
	FingerPrint  string `json:"FingerPrint"`
	SecondFactor string `json:"SecondFactor,omitempty"`
}

type testRequest struct {
	MsgType   string `json:"MsgType"`
	TestReqID any    `json:"TestReqID"`
	SendTime  int64  `json:"SendTime"`
}

type withdrawListRequest struct {
	MsgType           string   `json:"MsgType"`
	WithdrawListReqID int64    `json:"WithdrawListReqID"`
	Page              int      `json:"Page"`
	PageSize          int      `json:"PageSize"`
	StatusList        []string `json:"StatusList"`
}

type processWithdraw struct {
	MsgType              string               `json:"MsgType"`
	ProcessWithdrawReqID int64                `json:"ProcessWithdrawReqID"`
	WithdrawID           any                  `json:"WithdrawID"`
	Action               Action               `json:"Action"`
	ReasonID             int                  `json:"ReasonID,omitempty"`
	Reason               string               `json:"Reason,omitempty"`
	Data                 *processWithdrawData `json:"Data,omitempty"`
}

type processWithdrawData struct {
	TransactionID string `json:"TransactionID"`
}

// Decode decodes an inbound frame. Unknown message types are returned with
// only MsgType set.
func Decode(data []byte, received time.Time) (*Frame, error) {
	msgType, err := jsonparser.GetString(data, "MsgType")
	if err != nil {
		return nil, fmt.Errorf("%w: MsgType: %w", ErrDecode, err)
	}
	f := &Frame{MsgType: msgType}
	switch msgType {
	case MsgLoginResponse:
		f.Login, err = decodeLogin(data)
	case MsgTestRequest, MsgHeartbeat:
		f.TestReqID, err = scalar(data, "TestReqID")
	case MsgWithdrawRefresh:
		f.Request, f.WithdrawStatus, err = decodeWithdraw(data, received)
	case MsgError:
		f.Text, err = describeError(data)
	case MsgProcessWithdrawResponse:
		f.Text, err = scalar(data, "Status")
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func decodeLogin(data []byte) (*LoginResponse, error) {
	status, err := jsonparser.GetInt(data, "UserStatus")
	if err != nil {
		return nil, fmt.Errorf("%w: UserStatus: %w", ErrDecode, err)
	}
	l := &LoginResponse{UserStatus: status}
	if l.UserID, err = scalar(data, "UserID"); err != nil {
		return nil, err
	}
	if l.UserStatusText, err = scalar(data, "UserStatusText"); err != nil {
		return nil, err
	}
	need, err := jsonparser.GetBoolean(data, "NeedSecondFactor")
	if err != nil && !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, fmt.Errorf("%w: NeedSecondFactor: %w", ErrDecode, err)
	}
	l.NeedSecondFactor = need
	return l, nil
}

// LoggedIn reports whether the login was accepted
func (l *LoginResponse) LoggedIn() bool {
	return l.UserStatus == userStatusLoggedIn
}

func decodeWithdraw(data []byte, received time.Time) (*withdraw.Request, string, error) {
	id, err := scalar(data, "WithdrawID")
	if err != nil {
		return nil, "", err
	}
	if id == "" {
		return nil, "", fmt.Errorf("%w: withdraw refresh without WithdrawID", ErrDecode)
	}
	r := &withdraw.Request{ID: id, ReceivedAt: received, Destination: map[string]string{}}
	for key, dst := range map[string]*string{
		"UserID":   &r.AccountID,
		"BrokerID": &r.BrokerID,
		"Currency": &r.Currency,
		"Method":   &r.Method,
		"Status":   &r.ExchangeStatus,
	} {
		if *dst, err = scalar(data, key); err != nil {
			return nil, "", err
		}
	}
	amount, err := scalar(data, "Amount")
	if err != nil {
		return nil, "", err
	}
	if amount != "" {
		units, err := decimal.NewFromString(amount)
		if err != nil || !units.Equal(units.Truncate(0)) {
			return nil, "", fmt.Errorf("%w: Amount %q is not an integer amount", ErrDecode, amount)
		}
		r.Amount = units.Shift(amountExponent)
	}
	if err := decodeDestination(data, r.Destination); err != nil {
		return nil, "", err
	}
	return r, r.ExchangeStatus, nil
}

// decodeDestination flattens the Data object. Some exchanges send it as a
// JSON encoded string.
func decodeDestination(data []byte, dst map[string]string) error {
	value, dataType, _, err := jsonparser.Get(data, "Data")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: Data: %w", ErrDecode, err)
	}
	switch dataType {
	case jsonparser.Null:
		return nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return fmt.Errorf("%w: Data: %w", ErrDecode, err)
		}
		if s == "" {
			return nil
		}
		value = []byte(s)
	case jsonparser.Object:
	default:
		return fmt.Errorf("%w: Data has unexpected type %s", ErrDecode, dataType)
	}
	err = jsonparser.ObjectEach(value, func(key, v []byte, t jsonparser.ValueType, _ int) error {
		switch t {
		case jsonparser.String:
			s, err := jsonparser.ParseString(v)
			if err != nil {
				return err
			}
			dst[string(key)] = s
		case jsonparser.Number, jsonparser.Boolean:
			dst[string(key)] = string(v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: Data: %w", ErrDecode, err)
	}
	return nil
}

func describeError(data []byte) (string, error) {
	desc, err := scalar(data, "Description")
	if err != nil {
		return "", err
	}
	detail, err := scalar(data, "Detail")
	if err != nil {
		return "", err
	}
	if detail != "" {
		return desc + ": " + detail, nil
	}
	return desc, nil
}

// scalar returns a string or number field as a string, missing and null
// fields are empty
func scalar(data []byte, key string) (string, error) {
	value, dataType, _, err := jsonparser.Get(data, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDecode, key, err)
	}
	switch dataType {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrDecode, key, err)
		}
		return s, nil
	case jsonparser.Number:
		return string(value), nil
	case jsonparser.Null:
		return "", nil
	}
	return "", fmt.Errorf("%w: %s has unexpected type %s", ErrDecode, key, dataType)
}

// Eligible reports whether a withdraw refresh status enters the pipeline
func Eligible(status string) bool {
	return status == withdrawStatusPending || status == withdrawStatusInProgress
}

// numericOrString sends numeric ids as JSON numbers as the exchange assigned
// them
func numericOrString(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func newLoginRequest(reqID int64, brokerID, username, password, fingerprint, secondFactor string) *loginRequest {
	return &loginRequest{
		MsgType:      MsgLogin,
		UserReqID:    reqID,
		BrokerID:     numericOrString(brokerID),
		Username:     username,
		Password:     password,
		UserReqTyp:   "1",
		FingerPrint:  fingerprint,
		SecondFactor: secondFactor,
	}
}

func newTestRequest(reqID int64, now time.Time) *testRequest {
	return &testRequest{MsgType: MsgTestRequest, TestReqID: reqID, SendTime: now.UnixMilli()}
}

func newHeartbeat(testReqID string, now time.Time) *testRequest {
	return &testRequest{MsgType: MsgHeartbeat, TestReqID: numericOrString(testReqID), SendTime: now.UnixMilli()}
}

func newWithdrawListRequest(reqID int64) *withdrawListRequest {
	return &withdrawListRequest{
		MsgType:           MsgWithdrawList,
		WithdrawListReqID: reqID,
		PageSize:          withdrawPageSize,
		StatusList:        []string{withdrawStatusPending, withdrawStatusInProgress},
	}
}

func newProcessWithdraw(reqID int64, a *Ack) (*processWithdraw, error) {
	p := &processWithdraw{
		MsgType:              MsgProcessWithdraw,
		ProcessWithdrawReqID: reqID,
		WithdrawID:           numericOrString(a.RequestID),
		Action:               a.Action,
	}
	switch a.Action {
	case ActionProgress:
	case ActionComplete:
		p.Data = &processWithdrawData{TransactionID: a.Reference}
	case ActionCancel:
		p.Reason = a.Reason
		p.ReasonID = reasonIDOther
		if id, ok := reasonIDs[a.Reason]; ok {
			p.ReasonID = id
		}
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownAction, a.Action)
	}
	return p, nil
}
