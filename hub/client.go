// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package hub delivers telemetry records to an ingestion endpoint as
// signed, size-bounded HTTP batches and reports a per-record outcome
// back on the records themselves.
package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
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
	ErrAddressEmpty   = errors.New("an ingestion endpoint address is required")
	ErrInvalidAddress = errors.New("ingestion endpoint address is not a valid URL")
	ErrDeviceIDEmpty  = errors.New("a device ID is required")
	ErrDeviceKeyEmpty = errors.New("a device key is required")

	// ErrDeliveryIncomplete reports that at least one batch was rejected
	// by the ingestion endpoint. Per-record outcomes are recorded on the
	// records themselves.
	ErrDeliveryIncomplete = errors.New("one or more batches were rejected by the ingestion endpoint")

	ErrAuthAcquirerFailure = errors.New("failed acquiring auth token")
)

var (
	errNewRequestFailure = errors.New("failed creating an HTTP request")
	errDoRequestFailure  = errors.New("http client failed while sending request")
	errJSONMarshal       = errors.New("failed marshaling telemetry record as JSON payload")
)

const (
	apiVersion       = "2020-09-30"
	eventsPathFmt    = "/devices/%s/messages/events"
	batchContentType = "application/vnd.microsoft.iothub.json"
	userAgent        = "hermes-device-client/1.0"

	errWrappedFmt = "%w: %s"
)

// ClientConfig contains config data for the batch telemetry client.
type ClientConfig struct {
	// Address is the ingestion endpoint URL assigned during
	// provisioning (i.e. https://example.azure-devices.net).
	Address string

	// DeviceID is the device whose telemetry stream is written to.
	DeviceID string

	// DeviceKey is the base64-encoded per-device symmetric key.
	DeviceKey string

	// HTTPClient refers to the client that will be used to send requests.
	// (Optional) Defaults to http.DefaultClient.
	HTTPClient httpaux.Client

	// MaxBatchBytes bounds the serialized size of one batch payload.
	// (Optional) Defaults to DefaultMaxBatchBytes.
	MaxBatchBytes int

	// TokenTTL is the lifetime of the shared access tokens used to
	// authorize dispatches. (Optional) Defaults to one hour.
	TokenTTL time.Duration

	// Logger to be used by the client.
	// (Optional) By default a no op logger will be used.
	Logger *zap.Logger

	// Measures records batch dispatch outcomes. (Optional)
	Measures *Measures
}

// Client packs telemetry records into batches and dispatches them to
// one device's event stream on the ingestion endpoint.
type Client struct {
	client        httpaux.Client
	eventsURL     string
	eventsPath    string
	maxBatchBytes int
	auth          acquire.Acquirer
	logger        *zap.Logger
	getLogger     func(context.Context) *zap.Logger
	measures      *Measures
}

// NewClient creates a new Client bound to one device on one ingestion
// endpoint.
func NewClient(config ClientConfig, getLogger func(context.Context) *zap.Logger) (*Client, error) {
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	if getLogger == nil {
		getLogger = sallust.Get
	}

	u, err := url.Parse(config.Address)
	if err != nil {
		return nil, fmt.Errorf(errWrappedFmt, ErrInvalidAddress, err.Error())
	}
	if u.Host == "" {
		return nil, ErrInvalidAddress
	}

	path := fmt.Sprintf(eventsPathFmt, config.DeviceID)

	// the token resource is the endpoint host plus the device path, no scheme
	auth, err := sastoken.NewAcquirer(sastoken.AcquirerOptions{
		Resource: u.Host + path,
		Key:      config.DeviceKey,
		TTL:      config.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		client:        config.HTTPClient,
		eventsURL:     fmt.Sprintf("%s%s?api-version=%s", config.Address, path, apiVersion),
		eventsPath:    path,
		maxBatchBytes: config.MaxBatchBytes,
		auth:          auth,
		logger:        config.Logger,
		getLogger:     getLogger,
		measures:      config.Measures,
	}, nil
}

// Send packs records into batches and dispatches each one with a single
// POST attempt. Every record is annotated in place with its outcome. A
// rejected batch does not stop the run; Send returns
// ErrDeliveryIncomplete after all batches have been attempted if any
// batch was rejected. Transport-level failures abort the run and are
// returned as errors, leaving the remaining records unannotated.
func (c *Client) Send(ctx context.Context, records []model.TelemetryRecord) error {
	rejected := false
	err := packRecords(ctx, records, c.maxBatchBytes, func(ctx context.Context, payload []byte, start, count int) error {
		accepted, err := c.dispatch(ctx, payload, records[start:start+count])
		if err != nil {
			return err
		}
		if !accepted {
			rejected = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rejected {
		return ErrDeliveryIncomplete
	}
	return nil
}

// dispatch performs exactly one POST attempt for a packed payload and
// maps the response onto every covered record.
func (c *Client) dispatch(ctx context.Context, payload []byte, covered []model.TelemetryRecord) (bool, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf(errWrappedFmt, errNewRequestFailure, err.Error())
	}
	r.Header.Set("iothub-to", c.eventsPath)
	r.Header.Set("Content-Type", batchContentType)
	r.Header.Set("User-Agent", userAgent)
	if err := acquire.AddAuth(r, c.auth); err != nil {
		return false, fmt.Errorf(errWrappedFmt, ErrAuthAcquirerFailure, err.Error())
	}

	resp, err := c.client.Do(r)
	if err != nil {
		c.countBatch(FailureOutcome)
		return false, fmt.Errorf(errWrappedFmt, errDoRequestFailure, err.Error())
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		reason := http.StatusText(resp.StatusCode)
		c.requestLogger(ctx).Error("ingestion endpoint rejected a batch",
			zap.Int("code", resp.StatusCode),
			zap.String("reason", reason),
			zap.Int("records", len(covered)),
			zap.Int("bytes", len(payload)))
		for i := range covered {
			covered[i].Result = &model.SendResult{Sent: false, Code: resp.StatusCode, Reason: reason}
		}
		c.countBatch(FailureOutcome)
		return false, nil
	}

	for i := range covered {
		covered[i].Result = &model.SendResult{Sent: true}
	}
	c.countBatch(SuccessOutcome)
	c.requestLogger(ctx).Debug("batch dispatched",
		zap.Int("records", len(covered)), zap.Int("bytes", len(payload)))
	return true, nil
}

func (c *Client) countBatch(outcome string) {
	if c.measures == nil || c.measures.Batches == nil {
		return
	}
	c.measures.Batches.With(prometheus.Labels{OutcomeLabel: outcome}).Add(1)
}

func (c *Client) requestLogger(ctx context.Context) *zap.Logger {
	if l := c.getLogger(ctx); l != nil {
		return l
	}
	return c.logger
}

func validateConfig(config *ClientConfig) error {
	if config.Address == "" {
		return ErrAddressEmpty
	}
	// keep the POST URL and the signed token resource in agreement
	config.Address = strings.TrimSuffix(config.Address, "/")
	if config.DeviceID == "" {
		return ErrDeviceIDEmpty
	}
	if config.DeviceKey == "" {
		return ErrDeviceKeyEmpty
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if config.Logger == nil {
		config.Logger = sallust.Default()
	}
	return nil
}
