package authsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/bridge"
	"github.com/triangleos/trios/pkg/protocol"
)

// Provider probes the authoritative source for the current session state.
type Provider interface {
	Check(ctx context.Context) (Status, error)
}

// RemoteLogout is implemented by providers whose backend should be told about
// a logout. Failures are logged and otherwise ignored: the local cache is
// cleared regardless.
type RemoteLogout interface {
	Logout(ctx context.Context) error
}

// FrameChecker is the slice of the bridge the firebase provider needs.
type FrameChecker interface {
	CheckAuthStatus(ctx context.Context) protocol.AuthStatusPayload
}

// FirebaseProvider asks the embedded document itself, since a firebase
// session lives in-frame. The bridge call resolves to unauthenticated on
// timeout, so this provider never fails.
type FirebaseProvider struct {
	Frame FrameChecker
}

func (p *FirebaseProvider) Check(ctx context.Context) (Status, error) {
	if p.Frame == nil {
		return Status{}, bridge.ErrNoFrame
	}
	return FromPayload(p.Frame.CheckAuthStatus(ctx)), nil
}

// checkResponse is the JSON shape of an oauth/custom check endpoint.
type checkResponse struct {
	Authenticated bool           `json:"authenticated"`
	User          map[string]any `json:"user,omitempty"`
	Token         string         `json:"token,omitempty"`
	Expires       int64          `json:"expires,omitempty"`
}

// OAuthProvider checks session state against a server endpoint. When the
// endpoint returns a bearer token without an explicit expiry, the expiry is
// derived from the token's exp claim.
type OAuthProvider struct {
	Client   *http.Client
	Endpoint string
	Token    string
	Log      logrus.FieldLogger
}

func (p *OAuthProvider) Check(ctx context.Context) (Status, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return Status{}, err
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Status{Authenticated: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Status{}, fmt.Errorf("authsync: check endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, err
	}
	var cr checkResponse
	if err := codec.Unmarshal(body, &cr); err != nil {
		return Status{}, fmt.Errorf("authsync: parse check response: %w", err)
	}
	s := Status{
		Authenticated: cr.Authenticated,
		User:          cr.User,
		Token:         cr.Token,
	}
	if cr.Expires > 0 {
		s.Expires = time.UnixMilli(cr.Expires)
	} else if cr.Token != "" {
		s.Expires = tokenExpiry(cr.Token, p.Log)
	}
	return s, nil
}

// tokenExpiry pulls the exp claim out of a JWT without verifying the
// signature; the server already vouched for the session.
func tokenExpiry(token string, log logrus.FieldLogger) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		if log != nil {
			log.WithError(err).Debug("authsync: token not a parseable jwt")
		}
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// CustomProvider is an oauth-shaped check against an application-defined
// endpoint, plus an optional logout endpoint.
type CustomProvider struct {
	OAuthProvider
	LogoutEndpoint string
}

func (p *CustomProvider) Logout(ctx context.Context) error {
	if p.LogoutEndpoint == "" {
		return nil
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.LogoutEndpoint, nil)
	if err != nil {
		return err
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("authsync: logout endpoint returned %s", resp.Status)
	}
	return nil
}

// ProviderFor picks a provider from a protocol document's auth block. An
// unknown provider name falls back to custom when a check endpoint exists,
// else to the bridge.
func ProviderFor(spec *protocol.AuthSpec, frame FrameChecker, client *http.Client, log logrus.FieldLogger) Provider {
	if spec == nil {
		return &FirebaseProvider{Frame: frame}
	}
	switch spec.Provider {
	case protocol.ProviderOAuth:
		return &OAuthProvider{Client: client, Endpoint: spec.CheckEndpoint, Log: log}
	case protocol.ProviderCustom:
		return &CustomProvider{
			OAuthProvider:  OAuthProvider{Client: client, Endpoint: spec.CheckEndpoint, Log: log},
			LogoutEndpoint: spec.LogoutEndpoint,
		}
	case protocol.ProviderFirebase:
		return &FirebaseProvider{Frame: frame}
	default:
		if spec.CheckEndpoint != "" {
			return &CustomProvider{
				OAuthProvider:  OAuthProvider{Client: client, Endpoint: spec.CheckEndpoint, Log: log},
				LogoutEndpoint: spec.LogoutEndpoint,
			}
		}
		return &FirebaseProvider{Frame: frame}
	}
}
