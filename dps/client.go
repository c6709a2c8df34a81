// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package dps registers devices with the device provisioning service
// over its REST interface and resolves the ingestion endpoint each
// device is assigned to.
package dps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/bascule/acquire"
	"github.com/xmidt-org/hermes/model"
	"github.com/xmidt-org/hermes/sastoken"
	"github.com/xmidt-org/httpaux"
	"github.com/xmidt-org/sallust"
	"go.uber.org/zap"
)

var (
	ErrScopeIDEmpty  = errors.New("a scope ID is required")
	ErrDeviceIDEmpty = errors.New("a device ID is required")
	ErrGroupKeyEmpty = errors.New("a group symmetric key is required")

	ErrAuthAcquirerFailure = errors.New("failed acquiring auth token")
)

var (
	errNewRequestFailure  = errors.New("failed creating an HTTP request")
	errDoRequestFailure   = errors.New("http client failed while sending request")
	errReadingBodyFailure = errors.New("failed while reading http response body")
	errJSONUnmarshal      = errors.New("failed unmarshaling JSON response payload")
	errJSONMarshal        = errors.New("failed marshaling registration request payload")
	errMissingOperationID = errors.New("registration response is missing an operation ID")
)

const (
	// DefaultAddress is the global provisioning endpoint.
	DefaultAddress = "https://global.azure-devices-provisioning.net"

	// DefaultPollInterval and DefaultMaxPolls preserve the service's
	// fixed-interval polling behavior: up to five polls, one second
	// apart.
	DefaultPollInterval = time.Second
	DefaultMaxPolls     = 5

	apiVersion      = "2019-03-31"
	assigningStatus = "assigning"
	registrationTTL = time.Hour

	errWrappedFmt = "%w: %s"
)

// ClientConfig contains config data for the provisioning client.
type ClientConfig struct {
	// Address is the provisioning service URL.
	// (Optional) Defaults to DefaultAddress.
	Address string

	// HTTPClient refers to the client that will be used to send requests.
	// (Optional) Defaults to http.DefaultClient.
	HTTPClient httpaux.Client

	// PollInterval is how long to wait between operation status polls
	// while the registration is still assigning.
	// (Optional) Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// MaxPolls bounds how many operation status polls are attempted
	// before the registration is reported as timed out.
	// (Optional) Defaults to DefaultMaxPolls.
	MaxPolls int

	// Logger to be used by the client.
	// (Optional) By default a no op logger will be used.
	Logger *zap.Logger

	// Measures records poll outcomes. (Optional)
	Measures *Measures
}

// Client runs device registrations against the provisioning service.
type Client struct {
	client       httpaux.Client
	address      string
	pollInterval time.Duration
	maxPolls     int
	logger       *zap.Logger
	getLogger    func(context.Context) *zap.Logger
	measures     *Measures
}

// NewClient creates a new Client that can be used to register devices.
func NewClient(config ClientConfig, getLogger func(context.Context) *zap.Logger) *Client {
	validateConfig(&config)
	if getLogger == nil {
		getLogger = sallust.Get
	}
	return &Client{
		client:       config.HTTPClient,
		address:      config.Address,
		pollInterval: config.PollInterval,
		maxPolls:     config.MaxPolls,
		logger:       config.Logger,
		getLogger:    getLogger,
		measures:     config.Measures,
	}
}

type registrationRequest struct {
	RegistrationID string               `json:"registrationId"`
	Payload        *registrationPayload `json:"payload,omitempty"`
}

type registrationPayload struct {
	ModelID string `json:"iotcModelId"`
}

type operationResponse struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	ErrorCode         int                `json:"errorcode"`
	Message           string             `json:"message"`
	RegistrationState *registrationState `json:"registrationState"`
}

type registrationState struct {
	AssignedHub string `json:"assignedHub"`
}

// Register runs the registration state machine to completion: it submits
// the registration, then polls the resulting operation until the device
// is assigned an ingestion endpoint, the service reports a failure, or
// polling is exhausted. The returned Result is always terminal.
// Transport failures and malformed responses are returned as errors
// instead; a rejected registration or exhausted polling is a Result, not
// an error.
func (c *Client) Register(ctx context.Context, identity model.DeviceIdentity) (Result, error) {
	if err := validateIdentity(identity); err != nil {
		return Result{}, err
	}

	deviceKey, err := sastoken.DeriveKey(identity.GroupKey, identity.DeviceID)
	if err != nil {
		return Result{}, err
	}

	auth, err := sastoken.NewRegistrationAcquirer(sastoken.RegistrationAcquirerOptions{
		ScopeID:        identity.ScopeID,
		RegistrationID: identity.DeviceID,
		Key:            deviceKey,
		TTL:            registrationTTL,
	})
	if err != nil {
		return Result{}, err
	}

	operationID, failed, err := c.register(ctx, identity, auth)
	if err != nil {
		return Result{}, err
	}
	if failed != nil {
		return *failed, nil
	}

	return c.pollOperation(ctx, identity, operationID, auth)
}

// register submits the registration request. A rejected registration is
// returned as a terminal Result so no polls are attempted for it.
func (c *Client) register(ctx context.Context, identity model.DeviceIdentity, auth acquire.Acquirer) (string, *Result, error) {
	request := registrationRequest{RegistrationID: identity.DeviceID}
	if identity.ModelID != "" {
		request.Payload = &registrationPayload{ModelID: identity.ModelID}
	}
	data, err := json.Marshal(request)
	if err != nil {
		return "", nil, fmt.Errorf(errWrappedFmt, errJSONMarshal, err.Error())
	}

	url := fmt.Sprintf("%s/%s/registrations/%s/register?api-version=%s",
		c.address, identity.ScopeID, identity.DeviceID, apiVersion)
	response, err := c.sendRequest(ctx, http.MethodPut, url, auth, bytes.NewReader(data))
	if err != nil {
		return "", nil, err
	}

	if response.Code >= 300 {
		// surface the service's error body on a best effort basis
		var body operationResponse
		_ = json.Unmarshal(response.Body, &body)
		result := Result{Status: StatusFailed, ErrorCode: body.ErrorCode, ErrorReason: body.Message}
		if result.ErrorCode == 0 {
			result.ErrorCode = response.Code
			result.ErrorReason = http.StatusText(response.Code)
		}
		c.requestLogger(ctx).Error("provisioning service rejected the registration request",
			zap.Int("code", response.Code),
			zap.Int("errorCode", result.ErrorCode),
			zap.String("reason", result.ErrorReason))
		return "", &result, nil
	}

	var body operationResponse
	if err := json.Unmarshal(response.Body, &body); err != nil {
		return "", nil, fmt.Errorf("register: %w: %s", errJSONUnmarshal, err.Error())
	}

	if body.ErrorCode != 0 {
		c.requestLogger(ctx).Error("provisioning service reported a registration error",
			zap.Int("errorCode", body.ErrorCode), zap.String("reason", body.Message))
		return "", &Result{Status: StatusFailed, ErrorCode: body.ErrorCode, ErrorReason: body.Message}, nil
	}

	if body.OperationID == "" {
		return "", nil, errMissingOperationID
	}

	c.requestLogger(ctx).Debug("registration submitted", zap.String("operationId", body.OperationID))
	return body.OperationID, nil, nil
}

// pollOperation polls the operation status endpoint at a fixed interval
// until a terminal status arrives or the poll bound is exhausted.
func (c *Client) pollOperation(ctx context.Context, identity model.DeviceIdentity, operationID string, auth acquire.Acquirer) (Result, error) {
	url := fmt.Sprintf("%s/%s/registrations/%s/operations/%s?api-version=%s",
		c.address, identity.ScopeID, identity.DeviceID, operationID, apiVersion)
	l := c.requestLogger(ctx)

	for attempt := 1; attempt <= c.maxPolls; attempt++ {
		response, err := c.sendRequest(ctx, http.MethodGet, url, auth, nil)
		if err != nil {
			c.countPoll(FailureOutcome)
			return Result{}, err
		}

		var body operationResponse
		if err := json.Unmarshal(response.Body, &body); err != nil {
			c.countPoll(FailureOutcome)
			return Result{}, fmt.Errorf("operation status: %w: %s", errJSONUnmarshal, err.Error())
		}

		if response.Code < 300 && body.Status == assigningStatus {
			c.countPoll(SuccessOutcome)
			l.Debug("registration still assigning",
				zap.String("operationId", operationID), zap.Int("attempt", attempt))
			if attempt == c.maxPolls {
				break
			}
			if err := c.wait(ctx); err != nil {
				return Result{}, err
			}
			continue
		}

		if body.RegistrationState != nil && body.RegistrationState.AssignedHub != "" {
			c.countPoll(SuccessOutcome)
			l.Debug("device assigned",
				zap.String("assignedHub", body.RegistrationState.AssignedHub),
				zap.Int("polls", attempt))
			return Result{Status: StatusAssigned, AssignedHub: body.RegistrationState.AssignedHub}, nil
		}

		c.countPoll(FailureOutcome)
		result := Result{Status: StatusFailed, ErrorCode: body.ErrorCode, ErrorReason: body.Message}
		if response.Code >= 300 && result.ErrorCode == 0 {
			result.ErrorCode = response.Code
			result.ErrorReason = http.StatusText(response.Code)
		}
		if result.ErrorReason == "" {
			result.ErrorReason = "registration response is missing an assigned hub"
		}
		l.Error("registration did not resolve to an assigned hub",
			zap.String("status", body.Status),
			zap.Int("errorCode", result.ErrorCode),
			zap.String("reason", result.ErrorReason))
		return result, nil
	}

	l.Error("registration polling exhausted while still assigning",
		zap.String("operationId", operationID), zap.Int("maxPolls", c.maxPolls))
	return Result{Status: StatusTimedOut}, nil
}

type response struct {
	Body []byte
	Code int
}

func (c *Client) sendRequest(ctx context.Context, method, url string, auth acquire.Acquirer, body io.Reader) (response, error) {
	r, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return response{}, fmt.Errorf(errWrappedFmt, errNewRequestFailure, err.Error())
	}
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	r.Header.Set("Accept", "application/json")
	if err := acquire.AddAuth(r, auth); err != nil {
		return response{}, fmt.Errorf(errWrappedFmt, ErrAuthAcquirerFailure, err.Error())
	}
	resp, err := c.client.Do(r)
	if err != nil {
		return response{}, fmt.Errorf(errWrappedFmt, errDoRequestFailure, err.Error())
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{Code: resp.StatusCode}, fmt.Errorf(errWrappedFmt, errReadingBodyFailure, err.Error())
	}
	return response{Body: bodyBytes, Code: resp.StatusCode}, nil
}

// wait blocks for one poll interval or until the context is canceled.
func (c *Client) wait(ctx context.Context) error {
	t := time.NewTimer(c.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) countPoll(outcome string) {
	if c.measures == nil || c.measures.Polls == nil {
		return
	}
	c.measures.Polls.With(prometheus.Labels{OutcomeLabel: outcome}).Add(1)
}

func (c *Client) requestLogger(ctx context.Context) *zap.Logger {
	if l := c.getLogger(ctx); l != nil {
		return l
	}
	return c.logger
}

func validateConfig(config *ClientConfig) {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = DefaultMaxPolls
	}
	if config.Logger == nil {
		config.Logger = sallust.Default()
	}
}

func validateIdentity(identity model.DeviceIdentity) error {
	if identity.ScopeID == "" {
		return ErrScopeIDEmpty
	}
	if identity.DeviceID == "" {
		return ErrDeviceIDEmpty
	}
	if identity.GroupKey == "" {
		return ErrGroupKeyEmpty
	}
	return nil
}
