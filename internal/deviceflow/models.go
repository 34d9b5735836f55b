package deviceflow

import "time"

// GrantTypeDeviceCode is the grant type sent while polling the token endpoint
const GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceAuthorizationGrant is the device authorization response per RFC 8628 section 3.2.
// DeviceCode is a polling secret: it is never logged nor shown to the user.
type DeviceAuthorizationGrant struct {
	DeviceCode              string `json:"-"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"` // Seconds until DeviceCode is invalid
	Interval                int    `json:"interval"`   // Minimum seconds between polls

	ExpiresAt time.Time `json:"expires_at"` // Absolute expiry time
}

// Request describes a single device flow run
type Request struct {
	ClientID      string
	Scope         string // Space separated
	DeviceCodeURL string
	TokenURL      string
}

// tokenResponse is the token endpoint payload per RFC 8628 section 3.5.
// GitHub reports pending states with 200 and an error field, other servers
// use 400; both decode the same way.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
