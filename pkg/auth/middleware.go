package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RolesHeader is stamped by the ingress proxy inside the mesh; its value is
// a comma-separated role list. It is trusted only when no JWT is presented,
// and only when the middleware was built with AllowHeaderRoles.
const RolesHeader = "x-sentinel-roles"

// SubjectHeader optionally names the mesh caller when header roles are in
// use.
const SubjectHeader = "x-sentinel-subject"

// Claims are the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator verifies bearer tokens with a shared HMAC key.
type JWTValidator struct {
	key []byte
}

// NewJWTValidator builds a validator; a nil or empty key disables JWT
// verification entirely.
func NewJWTValidator(key []byte) *JWTValidator {
	if len(key) == 0 {
		return nil
	}
	return &JWTValidator{key: key}
}

// Validate parses and verifies a token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Middleware resolves the caller identity. A Bearer token wins when present;
// otherwise the roles header is accepted when allowHeaderRoles is set
// (mTLS-fronted deployments). Requests with neither are rejected on
// non-public paths.
func Middleware(validator *JWTValidator, allowHeaderRoles bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					writeError(w, http.StatusUnauthorized, "unauthenticated",
						"Authorization header must be 'Bearer <token>'")
					return
				}
				if validator == nil {
					writeError(w, http.StatusUnauthorized, "unauthenticated",
						"token authentication not configured")
					return
				}
				claims, err := validator.Validate(parts[1])
				if err != nil {
					writeError(w, http.StatusUnauthorized, "unauthenticated",
						"invalid or expired token")
					return
				}
				if claims.Subject == "" {
					writeError(w, http.StatusUnauthorized, "unauthenticated",
						"token subject required")
					return
				}
				p := &Principal{ID: claims.Subject, Roles: claims.Roles}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}

			if allowHeaderRoles {
				if header := r.Header.Get(RolesHeader); header != "" {
					p := &Principal{
						ID:    firstNonEmpty(r.Header.Get(SubjectHeader), "mesh-client"),
						Roles: splitRoles(header),
					}
					next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
					return
				}
			}

			writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		})
	}
}

// RequireRoles guards a handler: the principal must carry at least one of
// the given roles.
func RequireRoles(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		if !p.HasAnyRole(roles...) {
			writeError(w, http.StatusForbidden, "forbidden",
				"requires one of roles: "+strings.Join(roles, ", "))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func splitRoles(header string) []string {
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
