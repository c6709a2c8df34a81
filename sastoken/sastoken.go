// SPDX-FileCopyrightText: 2023 Comcast Cable Communications Management, LLC
// SPDX-License-Identifier: Apache-2.0

// Package sastoken computes the shared access signatures used to
// authorize requests against the provisioning service and the ingestion
// endpoint. Everything here is pure computation plus a clock read; no
// token is ever persisted.
package sastoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	// DefaultTTL bounds the lifetime of generated tokens.
	DefaultTTL = time.Hour

	// RegistrationKeyName is the fixed skn value carried by tokens for
	// the provisioning service.
	RegistrationKeyName = "registration"

	errWrappedFmt = "%w: %s"
)

// ErrKeyNotBase64 is returned when a shared access key cannot be decoded.
var ErrKeyNotBase64 = errors.New("shared access key is not valid base64")

// DeriveKey computes base64(HMAC-SHA256(base64Decode(key), message)).
// It is the single signing primitive: deriving a device key from a group
// key signs the device id, and token signing signs a resource/expiry
// pair. Same inputs always produce the same output.
func DeriveKey(key, message string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf(errWrappedFmt, ErrKeyNotBase64, err.Error())
	}
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Token is a time-bounded shared access signature for one resource.
// Resource holds the sr value exactly as it is emitted in the header;
// both signing variants store it already percent-encoded.
type Token struct {
	Resource  string
	Signature string
	Expiry    int64
	KeyName   string
}

// ExpiresAt returns the token expiry as wall-clock time.
func (t Token) ExpiresAt() time.Time {
	return time.Unix(t.Expiry, 0)
}

// String serializes the token as an Authorization header value.
func (t Token) String() string {
	s := "SharedAccessSignature sr=" + t.Resource +
		"&sig=" + url.QueryEscape(t.Signature) +
		"&se=" + strconv.FormatInt(t.Expiry, 10)
	if t.KeyName != "" {
		s += "&skn=" + t.KeyName
	}
	return s
}

// Signer produces shared access signatures. The zero value signs with a
// one hour TTL against the system clock.
type Signer struct {
	// TTL is the token lifetime, truncated to whole seconds.
	// (Optional) Defaults to DefaultTTL.
	TTL time.Duration

	// Now supplies the current time. (Optional) Defaults to time.Now.
	Now func() time.Time
}

// Sign builds the ingestion endpoint variant of the token for the given
// resource URI (host plus device path, no scheme). The URI is
// percent-encoded both in the signed string and in the emitted header.
func (s Signer) Sign(resourceURI, key string) (Token, error) {
	return s.sign(url.QueryEscape(resourceURI), key, "")
}

// SignRegistration builds the provisioning variant of the token. The
// signed resource is the scope and registration id joined by a
// percent-encoded path separator literal, signed verbatim with no second
// encoding pass, and the key name is fixed to RegistrationKeyName.
func (s Signer) SignRegistration(scopeID, registrationID, key string) (Token, error) {
	return s.sign(scopeID+"%2fregistrations%2f"+registrationID, key, RegistrationKeyName)
}

func (s Signer) sign(resource, key, keyName string) (Token, error) {
	expiry := s.now().Unix() + int64(s.ttl()/time.Second)
	signature, err := DeriveKey(key, resource+"\n"+strconv.FormatInt(expiry, 10))
	if err != nil {
		return Token{}, err
	}
	return Token{
		Resource:  resource,
		Signature: signature,
		Expiry:    expiry,
		KeyName:   keyName,
	}, nil
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Signer) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultTTL
}
