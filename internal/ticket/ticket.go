// Package ticket implements the signed connection tickets that admit
// websocket clients to the relay. A ticket binds a connection ID to a
// signing time and a single-use nonce with an HMAC-SHA256 signature, so
// that only a holder of the shared secret can mint one.
package ticket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Ticket represents the four query parameters presented during the
// websocket handshake.
type Ticket struct {

	// ConnectionID is the opaque unique identifier the ticket authorises
	ConnectionID string

	// IssuedAt is the signing time in milliseconds since epoch
	IssuedAt int64

	// Nonce is a single-use random token
	Nonce string

	// Signature is the URL-safe base64 HMAC-SHA256 over the other fields
	Signature string
}

// New mints a ticket for connectionID, signed with secret, with a fresh
// nonce and the current time.
func New(connectionID, secret string) Ticket {

	issuedAt := time.Now().UnixMilli()
	nonce := uuid.New().String()

	return Ticket{
		ConnectionID: connectionID,
		IssuedAt:     issuedAt,
		Nonce:        nonce,
		Signature:    Sign(connectionID, issuedAt, nonce, secret),
	}
}

// Sign returns the HMAC-SHA256 over "{connectionID}:{issuedAt}:{nonce}"
// keyed by secret, as URL-safe base64 without padding.
func Sign(connectionID string, issuedAt int64, nonce, secret string) string {

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d:%s", connectionID, issuedAt, nonce)

	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over the supplied fields and compares it
// to signature in constant time. It returns false for any malformed input
// and never panics.
func Verify(connectionID string, issuedAt int64, nonce, signature, secret string) bool {

	if connectionID == "" || nonce == "" || signature == "" {
		return false
	}

	want := Sign(connectionID, issuedAt, nonce, secret)

	return hmac.Equal([]byte(want), []byte(signature))
}

// VerifyFresh verifies the signature and additionally rejects tickets whose
// signing time is further from now than maxAge, in either direction (clock
// skew between the issuer and the relay counts against the window). A zero
// maxAge disables the freshness check.
func VerifyFresh(connectionID string, issuedAt int64, nonce, signature, secret string, maxAge time.Duration) bool {

	if !Verify(connectionID, issuedAt, nonce, signature, secret) {
		return false
	}

	if maxAge == 0 {
		return true
	}

	age := time.Since(time.UnixMilli(issuedAt))

	if age < 0 {
		age = -age
	}

	return age <= maxAge
}

// FromQuery extracts a ticket from the query parameters of a connection
// request. An error means at least one of the four fields is missing or
// unparseable; the caller should reject the connection without replying.
func FromQuery(q url.Values) (Ticket, error) {

	t := Ticket{
		ConnectionID: q.Get("uuid"),
		Nonce:        q.Get("nonce"),
		Signature:    q.Get("signature"),
	}

	ts := q.Get("timestamp")

	if t.ConnectionID == "" || t.Nonce == "" || t.Signature == "" || ts == "" {
		return Ticket{}, errors.New("missing ticket parameter")
	}

	issuedAt, err := strconv.ParseInt(ts, 10, 64)

	if err != nil {
		return Ticket{}, fmt.Errorf("unparseable timestamp: %w", err)
	}

	t.IssuedAt = issuedAt

	return t, nil
}

// Query returns the ticket's fields as URL query values, for building a
// connection URL.
func (t Ticket) Query() url.Values {

	q := url.Values{}
	q.Set("uuid", t.ConnectionID)
	q.Set("timestamp", strconv.FormatInt(t.IssuedAt, 10))
	q.Set("nonce", t.Nonce)
	q.Set("signature", t.Signature)

	return q
}
