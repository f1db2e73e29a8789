package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/campustrack/internal/auth"
)

const secret = "test-secret"

func sign(t *testing.T, key, subject, role string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role:  role,
		Email: subject + "@campus.edu",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func protected(roles ...string) http.Handler {
	return auth.Middleware(secret, roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(claims.UserID()))
	}))
}

func TestMiddleware(t *testing.T) {
	hour := time.Now().Add(time.Hour)
	cases := []struct {
		name   string
		header string
		query  string
		roles  []string
		status int
		body   string
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "malformed header", header: "Token abc", status: http.StatusUnauthorized},
		{name: "bad signature", header: "Bearer " + sign(t, "other", "driver123", auth.RoleDriver, hour), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + sign(t, secret, "driver123", auth.RoleDriver, time.Now().Add(-time.Minute)), status: http.StatusUnauthorized},
		{name: "wrong role", header: "Bearer " + sign(t, secret, "s1", auth.RoleStudent, hour), roles: []string{auth.RoleDriver}, status: http.StatusForbidden},
		{name: "driver", header: "Bearer " + sign(t, secret, "driver123", auth.RoleDriver, hour), roles: []string{auth.RoleDriver}, status: http.StatusOK, body: "driver123"},
		{name: "query token", query: sign(t, secret, "admin1", auth.RoleAdmin, hour), status: http.StatusOK, body: "admin1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			protected(tc.roles...).ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			if tc.body != "" {
				require.Equal(t, tc.body, rec.Body.String())
			}
		})
	}
}

func TestParseRequiresSubject(t *testing.T) {
	_, err := auth.Parse(secret, sign(t, secret, "", auth.RoleDriver, time.Now().Add(time.Hour)))
	require.Error(t, err)
}
