package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

var authSecret = []byte("auth-test-secret")

func mintToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func validClaims(userID, clinicID, role string) Claims {
	return Claims{
		ClinicID: clinicID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

// authRouter mounts a protected echo endpoint behind Auth.
func authRouter(extra ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	hs := append([]gin.HandlerFunc{Auth(authSecret)}, extra...)
	hs = append(hs, func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"user": id.UserID, "clinic": id.ClinicID, "role": id.Role})
	})
	r.GET("/whoami", hs...)
	return r
}

func doAuth(r *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_ValidTokenSetsIdentity(t *testing.T) {
	r := authRouter()
	tok := mintToken(t, authSecret, validClaims("u1", "c1", RoleDoctor))

	w := doAuth(r, "Bearer "+tok)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["user"] != "u1" || out["clinic"] != "c1" || out["role"] != RoleDoctor {
		t.Fatalf("identity = %v", out)
	}
}

func TestAuth_Rejections(t *testing.T) {
	r := authRouter()

	expired := validClaims("u1", "c1", RoleDoctor)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noClinic := validClaims("u1", "", RoleDoctor)
	noSubject := validClaims("", "c1", RoleDoctor)

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + mintToken(t, []byte("other-secret"), validClaims("u1", "c1", RoleDoctor))},
		{"expired", "Bearer " + mintToken(t, authSecret, expired)},
		{"missing clinic", "Bearer " + mintToken(t, authSecret, noClinic)},
		{"missing subject", "Bearer " + mintToken(t, authSecret, noSubject)},
	}
	for _, tc := range cases {
		if w := doAuth(r, tc.header); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tc.name, w.Code)
		}
	}
}

func TestAuth_RejectsNonHMACAlgorithm(t *testing.T) {
	r := authRouter()

	// alg=none style token must never pass, regardless of claims.
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("u1", "c1", RoleAdmin)).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if w := doAuth(r, "Bearer "+tok); w.Code != http.StatusUnauthorized {
		t.Fatalf("alg=none accepted: %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	r := authRouter(RequireRole(RoleCompliance, RoleAdmin))

	if w := doAuth(r, "Bearer "+mintToken(t, authSecret, validClaims("u1", "c1", RoleCompliance))); w.Code != http.StatusOK {
		t.Fatalf("compliance role = %d, want 200", w.Code)
	}
	if w := doAuth(r, "Bearer "+mintToken(t, authSecret, validClaims("u1", "c1", RoleDoctor))); w.Code != http.StatusForbidden {
		t.Fatalf("doctor role = %d, want 403", w.Code)
	}
}
