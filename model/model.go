// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package model

// DeviceIdentity identifies a device to the provisioning service. It is
// immutable for the lifetime of the process.
type DeviceIdentity struct {
	// DeviceID is the registration id the device presents to the
	// provisioning service and the device path telemetry is written to.
	DeviceID string `json:"deviceId"`

	// ScopeID is the provisioning scope the device registers under.
	ScopeID string `json:"scopeId"`

	// GroupKey is the base64-encoded group symmetric key. The per-device
	// key is derived from it and is never configured directly.
	GroupKey string `json:"groupKey"`

	// ModelID optionally associates the device with a device template.
	// (Optional)
	ModelID string `json:"modelId,omitempty"`
}

// TelemetryRecord is one telemetry reading to be delivered as part of a
// batch. Records are created by the caller; the client never creates or
// drops them, it only sets Result on each record it attempted to deliver.
type TelemetryRecord struct {
	// Fields is an abstract json object holding the reading's values.
	Fields map[string]interface{} `json:"fields"`

	// Properties are optional application properties attached to the
	// encoded message alongside the fixed content markers.
	// (Optional)
	Properties map[string]string `json:"properties,omitempty"`

	// Result is the delivery outcome for this record. It is nil until a
	// send has been attempted.
	Result *SendResult `json:"result,omitempty"`
}

// SendResult is the per-record outcome of a batch dispatch.
type SendResult struct {
	// Sent indicates the batch containing this record was accepted.
	Sent bool `json:"sent"`

	// Code is the HTTP status code returned by the ingestion endpoint
	// when the batch containing this record was rejected.
	Code int `json:"code,omitempty"`

	// Reason is the status text that accompanied Code.
	Reason string `json:"reason,omitempty"`
}
