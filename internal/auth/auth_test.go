package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager() *JWTManager {
	return NewJWTManager(DefaultJWTConfig("test-secret"))
}

func TestJWTManager_RoundTrip(t *testing.T) {
	m := newManager()

	token, err := m.GenerateToken("ops@example.com", RoleAdmin)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "hybridrag", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTManager_Expired(t *testing.T) {
	m := newManager()

	token, err := m.GenerateTokenWithExpiry("ops", RoleAdmin, -time.Minute)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	token, err := NewJWTManager(DefaultJWTConfig("other-secret")).GenerateToken("ops", RoleAdmin)
	require.NoError(t, err)

	_, err = newManager().ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_WrongAlgorithm(t *testing.T) {
	cfg := DefaultJWTConfig("test-secret")
	cfg.SigningMethod = jwt.SigningMethodHS512
	token, err := NewJWTManager(cfg).GenerateToken("ops", RoleAdmin)
	require.NoError(t, err)

	_, err = newManager().ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTManager_RequireRole(t *testing.T) {
	m := newManager()

	reader, err := m.GenerateToken("analyst", RoleReader)
	require.NoError(t, err)
	admin, err := m.GenerateToken("ops", RoleAdmin)
	require.NoError(t, err)

	_, err = m.RequireRole(reader, RoleAdmin)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.RequireRole(reader, RoleReader)
	assert.NoError(t, err)

	_, err = m.RequireRole(admin, RoleReader)
	assert.NoError(t, err)
}

func TestMiddleware(t *testing.T) {
	m := newManager()
	admin, err := m.GenerateToken("ops", RoleAdmin)
	require.NoError(t, err)
	reader, err := m.GenerateToken("analyst", RoleReader)
	require.NoError(t, err)

	var seen string
	h := Middleware(m, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		seen = claims.Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"reader token", "Bearer " + reader, http.StatusForbidden},
		{"admin token", "Bearer " + admin, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/admin/corpus-stats/rebuild", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "ops", seen)
}
