package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/toolerr"
)

// TokenAuthenticator resolves bearer tokens into principals from static
// config. Token issuance lives with the deployment's identity provider; the
// gateway only consumes tokens it was handed.
type TokenAuthenticator struct {
	byToken map[string]policy.Principal
}

// NewTokenAuthenticator indexes the configured token set.
func NewTokenAuthenticator(tokens []config.TokenConfig) *TokenAuthenticator {
	byToken := make(map[string]policy.Principal, len(tokens))
	for _, t := range tokens {
		byToken[t.Token] = policy.Principal{
			ID:         t.Principal,
			Roles:      t.Roles,
			Teams:      t.Teams,
			Scopes:     t.Scopes,
			TrustLevel: t.TrustLevel,
		}
	}
	return &TokenAuthenticator{byToken: byToken}
}

// Authenticate validates the Authorization header and returns the caller's
// principal with the source address attached.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (policy.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return policy.Principal{}, toolerr.E(toolerr.KindAuthFailed, "missing authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return policy.Principal{}, toolerr.E(toolerr.KindAuthFailed, "authorization header is not a bearer token")
	}
	principal, ok := a.byToken[token]
	if !ok {
		return policy.Principal{}, toolerr.E(toolerr.KindAuthFailed, "unknown token")
	}
	principal.SourceIP = sourceIP(r)
	return principal, nil
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
