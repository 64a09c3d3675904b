package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	lberrors "github.com/mir00r/gameserver-lb/internal/errors"
	"github.com/mir00r/gameserver-lb/pkg/logger"
)

// Claims are the admin token claims. Scope "admin" is required on
// mutating routes.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// AdminScope grants access to mutating admin routes
const AdminScope = "admin"

// JWTAuthMiddleware validates HMAC signed bearer tokens
type JWTAuthMiddleware struct {
	secret []byte
	issuer string
	logger *logger.Logger
}

// NewJWTAuthMiddleware creates the middleware. Tokens must be signed with
// secret using one of the HS* algorithms and, when issuer is set, carry it.
func NewJWTAuthMiddleware(secret, issuer string, log *logger.Logger) *JWTAuthMiddleware {
	return &JWTAuthMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		logger: log.MiddlewareLogger("jwt_auth"),
	}
}

// SubjectFromContext returns the authenticated token subject
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey).(string)
	return sub
}

// JWTAuth returns the JWT authentication middleware
func (jm *JWTAuthMiddleware) JWTAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				jm.reject(w, r, "token missing")
				return
			}

			claims, err := jm.ValidateToken(token)
			if err != nil {
				jm.reject(w, r, err.Error())
				return
			}

			jm.logger.WithFields(map[string]interface{}{
				"subject": claims.Subject,
				"path":    r.URL.Path,
				"method":  r.Method,
			}).Debug("JWT authentication successful")

			ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (jm *JWTAuthMiddleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	jm.logger.WithFields(map[string]interface{}{
		"reason": reason,
		"path":   r.URL.Path,
		"method": r.Method,
		"ip":     ClientIP(r),
	}).Warn("JWT validation failed")
	WriteError(w, r, lberrors.NewUnauthorizedError(reason))
}

// extractToken reads a bearer token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ValidateToken parses tokenString and checks signature, expiry, issuer and scope
func (jm *JWTAuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jm.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	if jm.issuer != "" && !claims.VerifyIssuer(jm.issuer, true) {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Scope != AdminScope {
		return nil, fmt.Errorf("scope %q is not allowed", claims.Scope)
	}
	return claims, nil
}

// IssueToken signs an admin token for subject valid for ttl
func (jm *JWTAuthMiddleware) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Scope: AdminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    jm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jm.secret)
}
