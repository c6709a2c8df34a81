// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

package sastoken

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultBuffer = time.Minute

var (
	ErrResourceEmpty       = errors.New("a resource URI is required")
	ErrKeyEmpty            = errors.New("a shared access key is required")
	ErrScopeIDEmpty        = errors.New("a scope ID is required")
	ErrRegistrationIDEmpty = errors.New("a registration ID is required")
)

// AcquirerOptions configures an Acquirer for the ingestion endpoint
// variant of the token.
type AcquirerOptions struct {
	// Resource is the raw resource URI to sign (host plus device path).
	Resource string

	// Key is the base64-encoded symmetric key used for signing.
	Key string

	// TTL is the lifetime of generated tokens.
	// (Optional) Defaults to DefaultTTL.
	TTL time.Duration

	// Buffer is how long before expiry a cached token is discarded and
	// a fresh one signed. (Optional) Defaults to one minute.
	Buffer time.Duration

	// Now supplies the current time. (Optional) Defaults to time.Now.
	Now func() time.Time
}

// RegistrationAcquirerOptions configures an Acquirer for the
// provisioning variant of the token.
type RegistrationAcquirerOptions struct {
	// ScopeID is the provisioning scope being registered under.
	ScopeID string

	// RegistrationID is the device's registration id.
	RegistrationID string

	// Key is the base64-encoded derived device key.
	Key string

	// TTL is the lifetime of generated tokens.
	// (Optional) Defaults to DefaultTTL.
	TTL time.Duration

	// Buffer is how long before expiry a cached token is discarded and
	// a fresh one signed. (Optional) Defaults to one minute.
	Buffer time.Duration

	// Now supplies the current time. (Optional) Defaults to time.Now.
	Now func() time.Time
}

// Acquirer produces ready to use Authorization header values. The signed
// token is cached and reused until it comes within the refresh buffer of
// its expiry, so a long run of requests shares one token without ever
// presenting an expired one. Acquirer satisfies the acquire.Acquirer
// contract used to decorate outbound requests.
type Acquirer struct {
	sign   func() (Token, error)
	now    func() time.Time
	buffer time.Duration

	lock   sync.Mutex
	cached string
	expiry time.Time
}

// NewAcquirer creates an Acquirer signing ingestion endpoint tokens.
func NewAcquirer(o AcquirerOptions) (*Acquirer, error) {
	if o.Resource == "" {
		return nil, ErrResourceEmpty
	}
	if o.Key == "" {
		return nil, ErrKeyEmpty
	}
	signer := Signer{TTL: o.TTL, Now: o.Now}
	return newAcquirer(func() (Token, error) {
		return signer.Sign(o.Resource, o.Key)
	}, o.Now, o.Buffer), nil
}

// NewRegistrationAcquirer creates an Acquirer signing provisioning
// tokens.
func NewRegistrationAcquirer(o RegistrationAcquirerOptions) (*Acquirer, error) {
	if o.ScopeID == "" {
		return nil, ErrScopeIDEmpty
	}
	if o.RegistrationID == "" {
		return nil, ErrRegistrationIDEmpty
	}
	if o.Key == "" {
		return nil, ErrKeyEmpty
	}
	signer := Signer{TTL: o.TTL, Now: o.Now}
	return newAcquirer(func() (Token, error) {
		return signer.SignRegistration(o.ScopeID, o.RegistrationID, o.Key)
	}, o.Now, o.Buffer), nil
}

func newAcquirer(sign func() (Token, error), now func() time.Time, buffer time.Duration) *Acquirer {
	if now == nil {
		now = time.Now
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Acquirer{sign: sign, now: now, buffer: buffer}
}

// Acquire returns an Authorization header value, re-signing only when
// the cached token is missing or about to expire.
func (a *Acquirer) Acquire() (string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.cached != "" && a.now().Add(a.buffer).Before(a.expiry) {
		return a.cached, nil
	}

	token, err := a.sign()
	if err != nil {
		return "", fmt.Errorf("failed to sign shared access token: %w", err)
	}
	a.cached = token.String()
	a.expiry = token.ExpiresAt()
	return a.cached, nil
}
