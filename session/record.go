package session

// AuthorizationDetail is one Rich Authorization Request entry as returned by
// the identity provider. The shape is provider-defined and passed through
// untouched.
type AuthorizationDetail map[string]any

// Type returns the detail's "type" member.
func (d AuthorizationDetail) Type() string {
	s, _ := d["type"].(string)
	return s
}

// Resource returns the detail's "resource" member.
func (d AuthorizationDetail) Resource() string {
	s, _ := d["resource"].(string)
	return s
}

// Record is the auth state carried by the session cookie. A pending record
// holds the OAuth state, nonce and PKCE verifier of an in-flight login; an
// authenticated record holds the token material. Empty fields are omitted
// when encoded.
type Record struct {
	OAuthState   string `json:"oauthState,omitempty"`
	OAuthNonce   string `json:"oauthNonce,omitempty"`
	CodeVerifier string `json:"codeVerifier,omitempty"`

	AccessToken          string                `json:"accessToken,omitempty"`
	RefreshToken         string                `json:"refreshToken,omitempty"`
	IDToken              string                `json:"idToken,omitempty"`
	TokenExpiresAt       int64                 `json:"tokenExpiresAt,omitempty"`
	UserInfo             map[string]any        `json:"userInfo,omitempty"`
	IDTokenClaims        map[string]any        `json:"idTokenClaims,omitempty"`
	AuthorizationDetails []AuthorizationDetail `json:"authorizationDetails,omitempty"`
}

// Authenticated reports whether the record carries an access token.
func (r Record) Authenticated() bool {
	return r.AccessToken != ""
}

// Pending reports whether the record is waiting for a login callback.
func (r Record) Pending() bool {
	return r.AccessToken == "" && (r.OAuthState != "" || r.CodeVerifier != "")
}

// Empty reports whether no field is set.
func (r Record) Empty() bool {
	return r.OAuthState == "" && r.OAuthNonce == "" && r.CodeVerifier == "" &&
		r.AccessToken == "" && r.RefreshToken == "" && r.IDToken == "" &&
		r.TokenExpiresAt == 0 && len(r.UserInfo) == 0 && len(r.IDTokenClaims) == 0 &&
		len(r.AuthorizationDetails) == 0
}
