package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/opsbrain/internal/domain"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, claims *domain.ActorClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func agentClaims(exp time.Time) *domain.ActorClaims {
	return &domain.ActorClaims{
		ActorType: "agent",
		OwnerID:   "owner-1",
		Scopes:    []string{"capability:vacuum.status:execute"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "agent-7",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestValidator(t *testing.T) {
	key := newKey(t)
	v := NewValidator(&key.PublicKey)

	actor, err := v.VerifyToken("Bearer " + sign(t, key, agentClaims(time.Now().Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, domain.ActorAgent, actor.Type)
	assert.Equal(t, "agent-7", actor.ID)
	assert.Equal(t, "owner-1", actor.EffectiveTenant())
	assert.True(t, actor.HasScope("vacuum.status"))

	_, err = v.VerifyToken(sign(t, key, agentClaims(time.Now().Add(-time.Minute))))
	require.Error(t, err, "expired")

	_, err = v.VerifyToken(sign(t, newKey(t), agentClaims(time.Now().Add(time.Hour))))
	require.Error(t, err, "foreign key")

	bad := agentClaims(time.Now().Add(time.Hour))
	bad.ActorType = "robot"
	_, err = v.VerifyToken(sign(t, key, bad))
	require.Error(t, err, "unknown actor type")

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, agentClaims(time.Now().Add(time.Hour))).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.VerifyToken(hs)
	require.Error(t, err, "hmac must be rejected")
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParseRSAPublicKey(data)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(&key.PublicKey))

	_, err = ParseRSAPublicKey(nil)
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	mw := NewMiddleware(NewValidator(&key.PublicKey), zap.NewNop())

	var got domain.ActorContext
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ActorFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, key, agentClaims(time.Now().Add(time.Hour))))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "agent-7", got.ID)
}
