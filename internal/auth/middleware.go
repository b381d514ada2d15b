package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"github.com/rs/zerolog"
)

// Claims is the authenticated desk user
type Claims struct {
	Email   string          `json:"email"`
	Name    string          `json:"name"`
	AgentID string          `json:"agentId"`
	Role    types.AgentRole `json:"role"`
	Groups  []string        `json:"groups"`
	jwt.RegisteredClaims
}

// Supervises reports whether the user may act on other agents' work
func (c *Claims) Supervises() bool {
	return c != nil && c.Role.Supervises()
}

type contextKey string

const UserContextKey contextKey = "user"

// Config selects how tokens are checked
type Config struct {
	// SkipAuth admits every request as a development admin
	SkipAuth bool

	// VerifySignature checks tokens against the issuer's JWKS. Without it
	// tokens are parsed unverified (development only).
	VerifySignature bool
	OIDCIssuer      string
}

// Authenticator validates bearer tokens
type Authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
	now     func() time.Time
	logger  zerolog.Logger
}

// NewAuthenticator creates an Authenticator. With signature verification on
// it fetches the issuer's JWKS.
func NewAuthenticator(cfg Config, logger zerolog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "auth").Logger(),
	}

	if cfg.SkipAuth {
		a.logger.Warn().Msg("SKIP_AUTH enabled - bypassing authentication")
		return a, nil
	}
	if !cfg.VerifySignature {
		a.logger.Warn().Msg("JWT signature verification disabled (development mode)")
		return a, nil
	}

	if cfg.OIDCIssuer == "" {
		return nil, errors.New("OIDC_ISSUER not configured for JWT verification")
	}
	// Keycloak layout
	jwksURL := strings.TrimSuffix(cfg.OIDCIssuer, "/") + "/protocol/openid-connect/certs"
	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}
	a.keyfunc = k.Keyfunc

	a.logger.Info().Str("jwks_url", jwksURL).Msg("JWKS loaded")
	return a, nil
}

// Middleware validates the request's token and stores the claims in the
// request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.SkipAuth {
			ctx := context.WithValue(r.Context(), UserContextKey, devUser())
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := a.validateToken(tokenString)
		if err != nil {
			a.logger.Debug().Err(err).Msg("token validation failed")
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		a.logger.Debug().
			Str("agent_id", claims.AgentID).
			Str("role", string(claims.Role)).
			Msg("user authenticated")

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSupervisor rejects users that are neither managers nor admins
func RequireSupervisor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetUserFromContext(r.Context())
		if !ok || !claims.Supervises() {
			http.Error(w, "Forbidden: manager role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func devUser() *Claims {
	return &Claims{
		Email:            "dev@desk.local",
		Name:             "Dev User",
		AgentID:          "dev",
		Role:             types.RoleAdmin,
		Groups:           []string{"developers"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "dev"},
	}
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("token")
}

func (a *Authenticator) validateToken(tokenString string) (*Claims, error) {
	var token *jwt.Token
	var err error

	if a.cfg.VerifySignature {
		token, err = jwt.Parse(tokenString, a.keyfunc, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
		if err != nil {
			return nil, fmt.Errorf("token verification failed: %w", err)
		}
		if !token.Valid {
			return nil, errors.New("invalid token")
		}
	} else {
		token, _, err = jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	claims := &Claims{}
	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	claims.AgentID = claims.Subject
	if agentID, ok := mapClaims["agent_id"].(string); ok && agentID != "" {
		claims.AgentID = agentID
	}
	claims.Role = extractRole(mapClaims)
	claims.Groups = extractGroups(mapClaims)

	// verified tokens had exp checked by the parser
	if !a.cfg.VerifySignature {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(a.now()) {
				return nil, errors.New("token expired")
			}
		}
	}

	return claims, nil
}

// roleAliases maps identity provider role names to desk roles, strongest first
var roleAliases = []struct {
	name string
	role types.AgentRole
}{
	{"admin", types.RoleAdmin},
	{"manager", types.RoleManager},
	{"supervisor", types.RoleManager},
	{"attendant", types.RoleAttendant},
	{"agent", types.RoleAttendant},
}

// extractRole looks at Keycloak realm roles, then Cognito and custom groups
func extractRole(mapClaims jwt.MapClaims) types.AgentRole {
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			names := toStrings(roles)
			for _, alias := range roleAliases {
				for _, name := range names {
					if name == alias.name {
						return alias.role
					}
				}
			}
		}
	}

	for _, claim := range []string{"cognito:groups", "custom:groups"} {
		groups, ok := mapClaims[claim].([]interface{})
		if !ok {
			continue
		}
		names := toStrings(groups)
		for _, alias := range roleAliases {
			for _, name := range names {
				if strings.Contains(name, alias.name) {
					return alias.role
				}
			}
		}
	}

	return types.RoleAttendant
}

func extractGroups(mapClaims jwt.MapClaims) []string {
	var groups []string
	for _, claim := range []string{"groups", "cognito:groups"} {
		if list, ok := mapClaims[claim].([]interface{}); ok {
			groups = append(groups, toStrings(list)...)
		}
	}
	return groups
}

func toStrings(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// WithUser stores claims in ctx
func WithUser(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}
