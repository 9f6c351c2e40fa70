package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"chorus/realtime/services"
)

// ContextUserID is the gin context key holding the authenticated subject.
const ContextUserID = "userID"

// JWTVerifier validates HMAC-signed tokens issued by the account service.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// Verify parses tokenString and returns its claims. Failures are typed
// INVALID_TOKEN or TOKEN_EXPIRED errors.
func (v *JWTVerifier) Verify(tokenString string) (*services.Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the alg is what we expect
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.ErrTokenExpired
		}
		return nil, services.ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, services.ErrInvalidToken
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		subject, _ = claims["user_id"].(string)
	}
	if subject == "" {
		return nil, services.ErrInvalidToken.WithMessage("token has no subject")
	}

	tokenType, _ := claims["type"].(string)
	if tokenType == "" {
		tokenType, _ = claims["token_type"].(string)
	}

	out := &services.Claims{Subject: subject, TokenType: tokenType}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// ExtractToken reads the bearer credential from the Authorization header,
// falling back to the token query parameter used by websocket clients.
func ExtractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(bearerToken, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// BearerAuth admits requests carrying a valid user access token.
func BearerAuth(verifier services.TokenVerifier, accessType string) gin.HandlerFunc {
	return requireToken(verifier, accessType)
}

// ServiceAuth admits requests from trusted backend services.
func ServiceAuth(verifier services.TokenVerifier, serviceType string) gin.HandlerFunc {
	return requireToken(verifier, serviceType)
}

func requireToken(verifier services.TokenVerifier, tokenType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ExtractToken(c.Request)
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, services.ErrAuthRequired)
			return
		}

		claims, err := verifier.Verify(tokenString)
		if err != nil {
			abort(c, http.StatusUnauthorized, services.AsError(err))
			return
		}
		if claims.TokenType != tokenType {
			abort(c, http.StatusForbidden, services.ErrInvalidTokenType)
			return
		}

		c.Set(ContextUserID, claims.Subject)
		c.Next()
	}
}

func abort(c *gin.Context, status int, err *services.Error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err})
}
