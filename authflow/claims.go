package authflow

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"altinndemo/session"
)

const authorizationDetailsClaim = "authorization_details"

// DecodeClaims returns the payload of a JWT without checking its signature.
// It returns nil for an empty or malformed token.
func DecodeClaims(token string) map[string]any {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return map[string]any(claims)
}

// ExtractAuthorizationDetails locates RAR authorization details. The first
// source with a non-empty value wins: ID token claims, then access token
// claims, then the raw token response. Sources are never merged. It returns
// nil when no source has any.
func ExtractAuthorizationDetails(idTokenClaims, accessTokenClaims, tokenResponse map[string]any) []session.AuthorizationDetail {
	for _, src := range []map[string]any{idTokenClaims, accessTokenClaims, tokenResponse} {
		if details := detailsFrom(src[authorizationDetailsClaim]); len(details) > 0 {
			return details
		}
	}
	return nil
}

// detailsFrom normalizes the shapes providers use for the claim: an array of
// objects, a single object, or either of those serialized as a JSON string.
func detailsFrom(v any) []session.AuthorizationDetail {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]session.AuthorizationDetail, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, session.AuthorizationDetail(m))
			}
		}
		return out
	case []map[string]any:
		out := make([]session.AuthorizationDetail, 0, len(t))
		for _, m := range t {
			out = append(out, session.AuthorizationDetail(m))
		}
		return out
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
		return []session.AuthorizationDetail{t}
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(t), &decoded); err != nil {
			return nil
		}
		if _, again := decoded.(string); again {
			return nil
		}
		return detailsFrom(decoded)
	default:
		return nil
	}
}

// OrganizationNumbers collects the organization numbers referenced by the
// details, both top-level orgno members and those of authorized_parties.
// Values are normalized to the bare number, so "0192:912345678",
// "912345678" and {"ID": "0192:912345678"} all yield "912345678".
func OrganizationNumbers(details []session.AuthorizationDetail) []string {
	if len(details) == 0 {
		return nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	doc := gjson.ParseBytes(raw)

	var out []string
	seen := make(map[string]bool)
	add := func(v gjson.Result) {
		n := normalizeOrgNo(v)
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	doc.Get("#.orgno").ForEach(func(_, v gjson.Result) bool {
		add(v)
		return true
	})
	doc.Get("#.authorized_parties").ForEach(func(_, parties gjson.Result) bool {
		parties.Get("#.orgno").ForEach(func(_, v gjson.Result) bool {
			add(v)
			return true
		})
		return true
	})
	return out
}

func normalizeOrgNo(v gjson.Result) string {
	var s string
	switch {
	case v.IsObject():
		s = v.Get("ID").String()
	case v.Type == gjson.String || v.Type == gjson.Number:
		s = v.String()
	}
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
