package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/realtime/services"
	"chorus/realtime/utils"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestJWTVerifier(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	exp := time.Now().Add(time.Hour)

	claims, err := v.Verify(sign(t, jwt.MapClaims{"sub": "alice", "type": "access", "exp": exp.Unix()}))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "access", claims.TokenType)
	assert.Equal(t, exp.Unix(), claims.ExpiresAt.Unix())

	claims, err = v.Verify(sign(t, jwt.MapClaims{"user_id": "bob", "token_type": "service"}))
	require.NoError(t, err)
	assert.Equal(t, "bob", claims.Subject)
	assert.Equal(t, "service", claims.TokenType)
	assert.True(t, claims.ExpiresAt.IsZero())
}

func TestJWTVerifierRejects(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	expired := sign(t, jwt.MapClaims{"sub": "alice", "type": "access", "exp": time.Now().Add(-time.Minute).Unix()})
	_, err := v.Verify(expired)
	assert.ErrorIs(t, err, services.ErrTokenExpired)

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte("other"))
	require.NoError(t, err)
	_, err = v.Verify(other)
	assert.ErrorIs(t, err, services.ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	assert.ErrorIs(t, err, services.ErrInvalidToken)

	_, err = v.Verify(sign(t, jwt.MapClaims{"type": "access"}))
	assert.ErrorIs(t, err, services.ErrInvalidToken)

	_, err = v.Verify("not-a-jwt")
	assert.ErrorIs(t, err, services.ErrInvalidToken)
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", ExtractToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", ExtractToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, ExtractToken(r))
}

func TestBearerAndServiceAuth(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	router := gin.New()
	router.GET("/user", BearerAuth(v, "access"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID))
	})
	router.GET("/internal", ServiceAuth(v, "service"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	access := sign(t, jwt.MapClaims{"sub": "alice", "type": "access"})
	service := sign(t, jwt.MapClaims{"sub": "billing", "type": "service"})

	cases := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"user ok", "/user", access, http.StatusOK},
		{"user missing token", "/user", "", http.StatusUnauthorized},
		{"user bad token", "/user", "garbage", http.StatusUnauthorized},
		{"user with service token", "/user", service, http.StatusForbidden},
		{"service ok", "/internal", service, http.StatusNoContent},
		{"service with user token", "/internal", access, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "alice", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Contains(t, w.Body.String(), services.CodeAuthRequired)
}

func TestLogging(t *testing.T) {
	logger := utils.NewNopLogger()
	hook := logtest.NewLocal(logger.Entry.Logger)

	router := gin.New()
	router.Use(Logging(logger))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, http.StatusAccepted, entry.Data["status"])
	assert.Equal(t, "/ok", entry.Data["path"])
}
