package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestValidateToken(t *testing.T) {
	v := NewJWTValidator("s3cret", "transfer-relay-api")

	token, err := v.IssueToken("wallet-backend", time.Minute)
	require.NoError(t, err)

	claims, err := v.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "wallet-backend", claims.Subject)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewJWTValidator("other", "transfer-relay-api").ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := NewJWTValidator("s3cret", "someone-else").ValidateToken(token)
		require.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		late := NewJWTValidator("s3cret", "transfer-relay-api")
		late.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err := late.ValidateToken(token)
		require.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("algorithm none", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Issuer:    "transfer-relay-api",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.ValidateToken(unsigned)
		require.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	v := NewJWTValidator("s3cret", "")
	var subject string
	handler := Middleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}

	token, err := v.IssueToken("ops", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transfers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "ops", subject)
}
