package stores

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// TimestampLayout is the fixed-width UTC layout used for stored and signed
// timestamps. Fixed width keeps lexical and chronological order identical.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Signer computes HMAC-SHA256 signatures over state records. A signer with an
// empty secret is disabled and leaves records unsigned.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the given secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Payload returns the signed message:
// workflow_id|task_id|status|timestamp|details.
// Details are serialized as canonical JSON with sorted keys.
func Payload(rec *engine.StateRecord) (string, error) {
	details, err := canonicalDetails(rec.Details)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		rec.WorkflowID,
		rec.TaskID,
		rec.Status,
		FormatTimestamp(rec.Timestamp),
		details,
	}, "|"), nil
}

// Compute returns the hex encoded signature of a record.
func (s *Signer) Compute(rec *engine.StateRecord) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	payload, err := Payload(rec)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Sign sets the signature and signing time of a record. It is a no-op when
// the signer is disabled.
func (s *Signer) Sign(rec *engine.StateRecord, now time.Time) error {
	if !s.Enabled() {
		return nil
	}
	sig, err := s.Compute(rec)
	if err != nil {
		return err
	}
	signedAt := now.UTC()
	rec.Signature = sig
	rec.SignedAt = &signedAt
	return nil
}

// Verify recomputes the signature of a record and compares it in constant time.
func (s *Signer) Verify(rec *engine.StateRecord) (bool, error) {
	if !s.Enabled() {
		return false, fmt.Errorf("signer has no secret")
	}
	if rec.Signature == "" {
		return false, nil
	}
	want, err := s.Compute(rec)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(rec.Signature)), nil
}

// canonicalDetails serializes details so that a record read back from storage
// produces the same bytes it was signed with.
func canonicalDetails(details map[string]interface{}) (string, error) {
	if details == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to marshal details: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to normalize details: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to marshal details: %w", err)
	}
	return string(canonical), nil
}
