// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package dps

// Status is the terminal state of a registration run.
type Status int

const (
	// StatusUnknown means no registration has been attempted.
	StatusUnknown Status = iota

	// StatusAssigning is transient: the service accepted the
	// registration but has not resolved an ingestion endpoint yet.
	StatusAssigning

	// StatusAssigned means the device was assigned an ingestion
	// endpoint and can proceed to send telemetry.
	StatusAssigned

	// StatusFailed means the service returned a negative or unusable
	// answer for the registration.
	StatusFailed

	// StatusTimedOut means polling was exhausted while the operation
	// was still assigning. Distinct from StatusFailed: the service
	// never returned a negative answer.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusAssigning:
		return "assigning"
	case StatusAssigned:
		return "assigned"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timedOut"
	}
	return "unknown"
}

// Result is the outcome of a registration run. Results are always
// terminal; transient states never escape the client.
type Result struct {
	Status Status

	// AssignedHub is the ingestion endpoint host chosen by the service.
	// Only set when Status is StatusAssigned.
	AssignedHub string

	// ErrorCode and ErrorReason describe a StatusFailed outcome: either
	// the service's own error code and message, or the HTTP status of
	// the response that ended the run.
	ErrorCode   int
	ErrorReason string
}

// Assigned reports whether the device can proceed to send telemetry.
func (r Result) Assigned() bool {
	return r.Status == StatusAssigned && r.AssignedHub != ""
}
