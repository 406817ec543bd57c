package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Encode serializes the record to an unpadded base64url blob of its JSON form.
func Encode(r Record) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("session.Encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a value produced by Encode. Cookie values sometimes arrive
// percent-encoded one extra time by an intermediate layer, so the value is
// tried as-is first and then once more after percent-decoding. Anything that
// still fails to parse yields an empty record.
func Decode(raw string) Record {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Record{}
	}
	if rec, ok := parse(raw); ok {
		return rec
	}
	unescaped, err := url.PathUnescape(raw)
	if err != nil || unescaped == raw {
		return Record{}
	}
	if rec, ok := parse(unescaped); ok {
		return rec
	}
	return Record{}
}

func parse(value string) (Record, bool) {
	payload, ok := decodeBase64(value)
	if !ok {
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, false
	}
	return rec, true
}

// decodeBase64 accepts padded or unpadded input in either the URL-safe or
// the standard alphabet.
func decodeBase64(value string) ([]byte, bool) {
	trimmed := strings.TrimRight(value, "=")
	if b, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.DecodeString(trimmed); err == nil {
		return b, true
	}
	return nil, false
}
