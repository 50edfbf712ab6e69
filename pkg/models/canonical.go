package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"strings"
)

// Canonicalize returns an RFC 8785-compatible canonical form for a restricted
// JSON subset: object keys sorted, no insignificant whitespace, integers only.
// Floating-point tokens are rejected; costs and timestamps travel as integers
// (minor units, milliseconds), so a float in a signed payload is a bug.
func Canonicalize(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeValue marshals v and canonicalizes the result.
func CanonicalizeValue(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Canonicalize(raw)
}

// ValidateNoJSONNumbers enforces that no floating-point numeric tokens appear.
// Non-integers must be represented as decimal strings in JSON.
func ValidateNoJSONNumbers(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if hasInvalidNumberToken(v) {
		return errors.New("floating-point JSON tokens are not allowed; use integer minor units")
	}
	return nil
}

func hasInvalidNumberToken(v interface{}) bool {
	switch t := v.(type) {
	case json.Number:
		return strings.ContainsAny(t.String(), ".eE")
	case map[string]interface{}:
		for _, vv := range t {
			if hasInvalidNumberToken(vv) {
				return true
			}
		}
	case []interface{}:
		for _, vv := range t {
			if hasInvalidNumberToken(vv) {
				return true
			}
		}
	}
	return false
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return errors.New("float numbers not supported in canonical form")
		}
		i := new(big.Int)
		if _, ok := i.SetString(s, 10); !ok {
			return errors.New("invalid number")
		}
		buf.WriteString(i.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// mandateBinding is the ordered signed field set of an execution mandate.
// Resources and actions are sorted before signing so that scope-set order
// never changes the signed bytes.
type mandateBinding struct {
	ID          string   `json:"id"`
	Issuer      string   `json:"issuer"`
	Subject     string   `json:"subject"`
	Resources   []string `json:"resources"`
	Actions     []string `json:"actions"`
	NotBeforeMS int64    `json:"not_before_ms"`
	NotAfterMS  int64    `json:"not_after_ms"`
	ParentID    *string  `json:"parent_mandate_id"`
	Depth       int      `json:"depth"`
	IntentHash  *string  `json:"intent_hash"`
	CreatedMS   int64    `json:"created_ms"`
}

// MandateSigningPayload returns the canonical bytes the issuer signs.
func MandateSigningPayload(m ExecutionMandate) ([]byte, error) {
	resources := append([]string(nil), m.Resources...)
	actions := append([]string(nil), m.Actions...)
	sort.Strings(resources)
	sort.Strings(actions)
	binding := mandateBinding{
		ID:          m.ID.String(),
		Issuer:      m.Issuer.String(),
		Subject:     m.Subject.String(),
		Resources:   resources,
		Actions:     actions,
		NotBeforeMS: m.NotBeforeMS,
		NotAfterMS:  m.NotAfterMS,
		Depth:       m.Depth,
		CreatedMS:   m.CreatedMS,
	}
	if m.ParentID != nil {
		s := m.ParentID.String()
		binding.ParentID = &s
	}
	if m.IntentHash != "" {
		h := m.IntentHash
		binding.IntentHash = &h
	}
	return CanonicalizeValue(binding)
}

// IntentHash computes the hex digest binding a mandate to one declared operation.
func IntentHash(claim json.RawMessage) (string, error) {
	if err := ValidateNoJSONNumbers(claim); err != nil {
		return "", err
	}
	canon, err := Canonicalize(claim)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// EventContentHash computes the canonical digest stored with each ledger row
// and used as the Merkle leaf.
func EventContentHash(e LedgerEvent) ([]byte, error) {
	stripped := e
	stripped.ContentHash = nil
	stripped.BatchID = nil
	canon, err := CanonicalizeValue(stripped)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}
