// Package webhook receives signed callbacks from the media and billing
// providers and reconciles them into the session store and the entitlement
// projection, exactly once per provider event id.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the provider's raw-body signature.
const SignatureHeader = "X-Provider-Signature"

// maxSkew bounds how old (or how far in the future) a signed timestamp may be.
const maxSkew = 5 * time.Minute

var (
	// ErrBadSignature covers malformed headers, digest mismatches, and stale
	// timestamps. Callers respond 401 without detail.
	ErrBadSignature = errors.New("webhook signature rejected")
)

// Sign produces the signature header value for a payload, used by tests and
// by provider stubs.
func Sign(secret []byte, at time.Time, body []byte) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(digest(secret, ts, body)))
}

// VerifySignature checks the header against the raw request body. The digest
// covers "<timestamp>.<body>" so a captured signature cannot be replayed onto
// a different payload, and the timestamp must be within maxSkew of now.
func VerifySignature(secret []byte, header string, body []byte, now time.Time) error {
	var ts int64
	var provided []byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrBadSignature
			}
			ts = parsed
		case "v1":
			decoded, err := hex.DecodeString(value)
			if err != nil {
				return ErrBadSignature
			}
			provided = decoded
		}
	}
	if ts == 0 || len(provided) == 0 {
		return ErrBadSignature
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxSkew || age < -maxSkew {
		return ErrBadSignature
	}
	if !hmac.Equal(provided, digest(secret, ts, body)) {
		return ErrBadSignature
	}
	return nil
}

func digest(secret []byte, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return mac.Sum(nil)
}
