package httpclient

import "net/http"

// AuthConfig sets credentials on every request of a client. LLM providers
// use either a bearer token or a vendor header such as x-api-key.
type AuthConfig struct {
	// Header is the header name. Empty means Authorization.
	Header string
	// Value is sent verbatim.
	Value string
}

// BearerAuth sends "Authorization: Bearer <token>". An empty token
// disables authentication.
func BearerAuth(token string) *AuthConfig {
	if token == "" {
		return nil
	}
	return &AuthConfig{Value: "Bearer " + token}
}

// APIKeyAuthHeader sends the key in the named header (x-api-key,
// x-goog-api-key). An empty key disables authentication.
func APIKeyAuthHeader(key, header string) *AuthConfig {
	if key == "" {
		return nil
	}
	return &AuthConfig{Header: header, Value: key}
}

func (a *AuthConfig) apply(req *http.Request) {
	if a == nil || a.Value == "" {
		return
	}
	name := a.Header
	if name == "" {
		name = "Authorization"
	}
	req.Header.Set(name, a.Value)
}
