/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gateway is the client for the external banking API. Every call runs through a
// bounded exponential retry, and each attempt runs inside one circuit breaker shared by all
// callers of the Client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/internal/request"
	"github.com/blnkfinance/treasury/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var (
	// ErrTransient covers network failures, 408, 429 and 5xx answers.
	ErrTransient = errors.New("gateway transient failure")
	// ErrRejected is a business decline by the bank. It is never retried.
	ErrRejected = errors.New("gateway rejected payment")
	// ErrAmbiguous means an execute call timed out and the bank may or may not have
	// accepted the payment.
	ErrAmbiguous = errors.New("gateway outcome unknown")
	// ErrCircuitOpen is returned without a network call while the breaker is open.
	ErrCircuitOpen = errors.New("gateway circuit open")
)

// Normalised payment statuses.
const (
	PaymentCompleted = "COMPLETED"
	PaymentPending   = "PENDING"
	PaymentFailed    = "FAILED"
)

type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxRetries       uint64
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	FailureThreshold uint32
	Cooldown         time.Duration
	HalfOpenRequests uint32
}

// ConfigFrom converts the gateway section of the service configuration.
func ConfigFrom(cnf config.GatewayConfig) Config {
	return Config{
		BaseURL:          cnf.BaseURL,
		APIKey:           cnf.APIKey,
		Timeout:          time.Duration(cnf.TimeoutSeconds) * time.Second,
		MaxRetries:       cnf.MaxRetries,
		InitialInterval:  time.Duration(cnf.InitialIntervalMs) * time.Millisecond,
		MaxInterval:      time.Duration(cnf.MaxIntervalMs) * time.Millisecond,
		FailureThreshold: cnf.BreakerFailureThreshold,
		Cooldown:         time.Duration(cnf.BreakerCooldownSeconds) * time.Second,
		HalfOpenRequests: cnf.BreakerHalfOpenRequests,
	}
}

type PaymentRequest struct {
	BankCode      string          `json:"bankCode"`
	AccountNumber string          `json:"accountNumber"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Reference     string          `json:"reference"`
	CorrelationID string          `json:"correlationId"`
}

type PaymentResult struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	BankReference string `json:"bankReference"`
}

type StatusResult struct {
	TransactionID string     `json:"transactionId"`
	Status        string     `json:"status"`
	StatusMessage string     `json:"statusMessage"`
	BankReference string     `json:"bankReference"`
	ProcessedAt   *time.Time `json:"processedAt"`
}

type executeBody struct {
	PaymentRequest
	Timestamp time.Time `json:"timestamp"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client for one gateway endpoint. Build it once per process so every
// caller shares the breaker. A nil httpClient gets a client with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:        "banking-gateway",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("gateway circuit breaker changed state")
		},
		// A bank declining a payment means the gateway is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
	}

	return &Client{cfg: cfg, http: httpClient, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state: "closed", "half-open" or "open".
func (c *Client) State() string {
	return c.breaker.State().String()
}

// ExecutePayment asks the bank to pay out. A timeout yields ErrAmbiguous and is never
// retried, since the bank may already have accepted the payment.
func (c *Client) ExecutePayment(ctx context.Context, payment PaymentRequest) (*PaymentResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"correlation_id": payment.CorrelationID,
		"bank_code":      payment.BankCode,
		"account":        model.MaskAccountNumber(payment.AccountNumber),
		"amount":         payment.Amount.String(),
		"currency":       payment.Currency,
	})

	body := executeBody{PaymentRequest: payment, Timestamp: time.Now().UTC()}
	result := &PaymentResult{}
	err := c.withResilience(ctx, logger, true, func() error {
		return c.send(ctx, http.MethodPost, "/payments/execute", payment.CorrelationID, body, result)
	})
	if err != nil {
		logger.WithError(err).Error("payment execution failed")
		return nil, err
	}

	result.Status = NormaliseStatus(result.Status)
	logger.WithFields(logrus.Fields{"transaction_id": result.TransactionID, "status": result.Status}).Info("payment executed")
	return result, nil
}

// CheckStatus looks up a payment by the gateway transaction id. Status checks are safe to
// repeat, so timeouts are retried as transient failures.
func (c *Client) CheckStatus(ctx context.Context, transactionID, correlationID string) (*StatusResult, error) {
	logger := logrus.WithFields(logrus.Fields{"correlation_id": correlationID, "transaction_id": transactionID})

	result := &StatusResult{}
	err := c.withResilience(ctx, logger, false, func() error {
		return c.send(ctx, http.MethodGet, "/payments/status/"+url.PathEscape(transactionID), correlationID, nil, result)
	})
	if err != nil {
		logger.WithError(err).Warn("payment status check failed")
		return nil, err
	}
	result.Status = NormaliseStatus(result.Status)
	return result, nil
}

func (c *Client) withResilience(ctx context.Context, logger *logrus.Entry, ambiguousOnTimeout bool, call func() error) error {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialInterval > 0 {
		b.InitialInterval = c.cfg.InitialInterval
	}
	if c.cfg.MaxInterval > 0 {
		b.MaxInterval = c.cfg.MaxInterval
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, classify(call(), ambiguousOnTimeout)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrCircuitOpen, err.Error()))
		case errors.Is(err, ErrRejected), errors.Is(err, ErrAmbiguous):
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		logger.WithFields(logrus.Fields{"attempt": attempt, "retry_in": wait.String()}).WithError(err).Warn("retrying gateway call")
	})
}

func (c *Client) send(ctx context.Context, method, path, correlationID string, payload, response interface{}) error {
	var req *http.Request
	var err error
	if payload != nil {
		body, errBody := request.ToJsonReq(payload)
		if errBody != nil {
			return errBody
		}
		req, err = http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	}
	if err != nil {
		return err
	}

	req.Header.Set("X-Correlation-ID", correlationID)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	_, err = request.Call(c.http, req, response)
	return err
}

func classify(err error, ambiguousOnTimeout bool) error {
	if err == nil {
		return nil
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500 {
			return fmt.Errorf("%w: status %d", ErrTransient, code)
		}
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, strings.TrimSpace(statusErr.Body))
	}

	// A 2xx answer we cannot read still means the bank saw the request.
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if ambiguousOnTimeout && (errors.As(err, &syntaxErr) || errors.As(err, &typeErr)) {
		return fmt.Errorf("%w: unreadable response: %v", ErrAmbiguous, err)
	}

	if ambiguousOnTimeout && isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NormaliseStatus maps the bank's status vocabulary onto PaymentCompleted, PaymentPending
// and PaymentFailed. Anything unrecognised is treated as still pending.
func NormaliseStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED", "SUCCESS", "SUCCESSFUL", "PROCESSED", "SETTLED":
		return PaymentCompleted
	case "FAILED", "REJECTED", "DECLINED", "REVERSED", "CANCELLED":
		return PaymentFailed
	default:
		return PaymentPending
	}
}
