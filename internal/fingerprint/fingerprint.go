// Package fingerprint derives the deterministic request key shared by the
// deduplicator and the cache (spec §3 RequestFingerprint).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Identifiers is the normalized input tuple a fingerprint is derived from.
// Unordered parameter equivalence is required: two Identifiers values that
// differ only in field population order (impossible in a struct, but
// relevant for the callers that build one from a map) must normalize to the
// same fingerprint.
type Identifiers struct {
	Phone         string
	Email         string
	OrderID       string
	CheckoutToken string
	OrderName     string
}

var nonDigit = regexp.MustCompile(`\D`)

// normalizePhone strips everything but digits and anchors to the last 10
// digits (spec: "digits-only, last-10 anchored"). Inputs with fewer than 10
// digits are returned digit-stripped but unanchored, since there is nothing
// to anchor.
func normalizePhone(phone string) string {
	digits := nonDigit.ReplaceAllString(phone, "")
	if len(digits) >= 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeToken(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

// Normalize canonicalizes raw, possibly-missing identifier fields into an
// Identifiers value. Missing/absent fields normalize to the empty string.
func Normalize(phone, email, orderID, checkoutToken, orderName string) Identifiers {
	return Identifiers{
		Phone:         normalizePhone(phone),
		Email:         normalizeEmail(email),
		OrderID:       strings.TrimSpace(orderID),
		CheckoutToken: normalizeToken(checkoutToken),
		OrderName:     strings.TrimSpace(orderName),
	}
}

// Key computes the 64-hex-character SHA-256 fingerprint for the normalized
// identifier tuple. Field order in the digest input is fixed regardless of
// the order callers populated Identifiers in, satisfying the
// unordered-parameter-equivalence invariant.
func (id Identifiers) Key() string {
	h := sha256.New()
	h.Write([]byte("phone:"))
	h.Write([]byte(id.Phone))
	h.Write([]byte("|email:"))
	h.Write([]byte(id.Email))
	h.Write([]byte("|orderId:"))
	h.Write([]byte(id.OrderID))
	h.Write([]byte("|checkoutToken:"))
	h.Write([]byte(id.CheckoutToken))
	h.Write([]byte("|orderName:"))
	h.Write([]byte(id.OrderName))
	return hex.EncodeToString(h.Sum(nil))
}

// Empty reports whether every normalized field is blank.
func (id Identifiers) Empty() bool {
	return id.Phone == "" && id.Email == "" && id.OrderID == "" && id.CheckoutToken == "" && id.OrderName == ""
}

// Valid reports whether id carries at least one usable identifier with a
// sane shape: a phone must have at least 10 digits once stripped, an email
// must contain "@". orderId/orderName/checkoutToken are accepted as-is
// since their shape is store-defined.
func (id Identifiers) Valid() bool {
	if id.Phone != "" && len(id.Phone) < 10 {
		return false
	}
	if id.Email != "" && !strings.Contains(id.Email, "@") {
		return false
	}
	return !id.Empty()
}

// FromRaw is the convenience entry point loaders use: it normalizes and
// keys in one step.
func FromRaw(phone, email, orderID, checkoutToken, orderName string) (string, Identifiers) {
	id := Normalize(phone, email, orderID, checkoutToken, orderName)
	return id.Key(), id
}
