package igclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a platform failure.
type Kind string

const (
	KindTwoFactorRequired  Kind = "two_factor_required"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindChallengeRequired  Kind = "challenge_required"
	KindRateLimited        Kind = "rate_limited"
	KindTokenExpired       Kind = "token_expired"
	KindTransient          Kind = "transient"
	KindUnknown            Kind = "unknown"
)

// Error is the only error shape that leaves this package for platform calls.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	// TwoFactorID is set on KindTwoFactorRequired from the mobile login.
	TwoFactorID string
	Err         error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("instagram %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("instagram %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("instagram %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// transportError wraps a failure that produced no response.
func transportError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindUnknown, Message: "canceled", Err: err}
	}
	return &Error{Kind: KindTransient, Err: err}
}

type mobileErrorBody struct {
	Message           string `json:"message"`
	ErrorType         string `json:"error_type"`
	Status            string `json:"status"`
	TwoFactorRequired bool   `json:"two_factor_required"`
	TwoFactorInfo     struct {
		Identifier string `json:"two_factor_identifier"`
	} `json:"two_factor_info"`
	Spam bool `json:"spam"`
}

// classifyMobile maps a failed private API response to an Error.
func classifyMobile(status int, body []byte) *Error {
	var b mobileErrorBody
	_ = json.Unmarshal(body, &b)
	msg := strings.ToLower(b.Message)
	e := &Error{Status: status, Message: b.Message}
	switch {
	case b.TwoFactorRequired || b.ErrorType == "two_factor_required":
		e.Kind = KindTwoFactorRequired
		e.TwoFactorID = b.TwoFactorInfo.Identifier
	case b.ErrorType == "bad_password" || b.ErrorType == "invalid_user" || (b.ErrorType == "invalid_parameters" && strings.Contains(msg, "password")):
		e.Kind = KindInvalidCredentials
	case b.ErrorType == "checkpoint_challenge_required" || msg == "challenge_required" || msg == "checkpoint_required" || b.ErrorType == "challenge_required":
		e.Kind = KindChallengeRequired
	case status == http.StatusTooManyRequests || b.ErrorType == "rate_limit_error" || strings.Contains(msg, "please wait") || b.Spam:
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindTransient
	case status == http.StatusUnauthorized || msg == "login_required":
		e.Kind = KindTokenExpired
	default:
		e.Kind = KindUnknown
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

type graphErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// classifyGraph maps a failed Graph API response to an Error.
func classifyGraph(status int, body []byte) *Error {
	var b graphErrorBody
	_ = json.Unmarshal(body, &b)
	e := &Error{Status: status, Message: b.Error.Message}
	switch {
	case status == http.StatusUnauthorized || b.Error.Code == 190:
		e.Kind = KindTokenExpired
	case status == http.StatusTooManyRequests || b.Error.Code == 4 || b.Error.Code == 17 || b.Error.Code == 32 || b.Error.Code == 613:
		e.Kind = KindRateLimited
	case status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindUnknown
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
