// ABOUTME: Matrix credential blob encoding and SSO pairing URL construction
// ABOUTME: Credentials are CBOR so they fit the store's opaque blob contract

package matrix

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/2389/tether-gateway/internal/codec"
)

// Credentials are the persisted login for one session.
type Credentials struct {
	Homeserver  string `cbor:"1,keyasint"`
	UserID      string `cbor:"2,keyasint"`
	DeviceID    string `cbor:"3,keyasint"`
	AccessToken string `cbor:"4,keyasint"`
}

// EncodeCredentials serialises c for the credential store.
func EncodeCredentials(c Credentials) ([]byte, error) {
	return codec.Marshal(c)
}

// DecodeCredentials parses a stored blob. Incomplete credentials are an error.
func DecodeCredentials(blob []byte) (Credentials, error) {
	var c Credentials
	if err := codec.Unmarshal(blob, &c); err != nil {
		return Credentials{}, err
	}
	if c.Homeserver == "" || c.UserID == "" || c.AccessToken == "" {
		return Credentials{}, errors.New("incomplete matrix credentials")
	}
	return c, nil
}

// SSORedirectURL builds the homeserver URL that starts an SSO login and
// returns to redirect with a loginToken.
func SSORedirectURL(homeserver, redirect string) (string, error) {
	u, err := url.Parse(homeserver)
	if err != nil {
		return "", fmt.Errorf("parsing homeserver URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("homeserver URL %q must be absolute", homeserver)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/_matrix/client/v3/login/sso/redirect"
	q := url.Values{}
	q.Set("redirectUrl", redirect)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// callbackURL expands {id} in the redirect template.
func callbackURL(template, sessionID string) string {
	return strings.ReplaceAll(template, "{id}", url.PathEscape(sessionID))
}
