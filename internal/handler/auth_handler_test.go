package handler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/internal/service"
	"github.com/talkwire/token-engine/pkg/config"
	appErrors "github.com/talkwire/token-engine/pkg/errors"
	"github.com/talkwire/token-engine/pkg/geo"
	"github.com/talkwire/token-engine/pkg/useragent"
)

type stubTokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func newStubTokenStore() *stubTokenStore {
	return &stubTokenStore{tokens: make(map[string]*models.RefreshToken)}
}

func (s *stubTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *token
	s.tokens[token.ID] = &clone
	return nil
}

func (s *stubTokenStore) FindByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *token
	return &clone, nil
}

func (s *stubTokenStore) FindCandidatesByUser(ctx context.Context, userID string, limit int) ([]models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RefreshToken
	for _, token := range s.tokens {
		if token.UserID == userID {
			out = append(out, *token)
		}
	}
	return out, nil
}

func (s *stubTokenStore) FindCandidates(ctx context.Context, limit int) ([]models.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RefreshToken
	for _, token := range s.tokens {
		out = append(out, *token)
	}
	return out, nil
}

func (s *stubTokenStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, token := range s.tokens {
		if token.UserID == userID && token.Status == models.StatusActive {
			count++
		}
	}
	return count, nil
}

func (s *stubTokenStore) RecordUsage(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok || token.Status != models.StatusActive || token.UsageCount >= token.MaxUses {
		return false, nil
	}
	token.UsageCount++
	token.LastUsedAt = &at
	return true, nil
}

func (s *stubTokenStore) MarkRotated(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok || token.Status != models.StatusActive {
		return false, nil
	}
	token.Status = models.StatusRotated
	token.RevokedAt = &at
	return true, nil
}

func (s *stubTokenStore) Revoke(ctx context.Context, id, reason, actor string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok || token.Status != models.StatusActive {
		return false, nil
	}
	token.Status = models.StatusRevoked
	token.RevokedReason = &reason
	token.RevokedBy = &actor
	token.RevokedAt = &at
	return true, nil
}

func (s *stubTokenStore) Exhaust(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok || token.Status != models.StatusActive {
		return false, nil
	}
	token.Status = models.StatusExhausted
	token.RevokedReason = &reason
	token.RevokedAt = &at
	return true, nil
}

func (s *stubTokenStore) RevokeAllForUser(ctx context.Context, userID, reason, excludeID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, token := range s.tokens {
		if token.UserID == userID && token.Status == models.StatusActive && token.ID != excludeID {
			token.Status = models.StatusRevoked
			token.RevokedReason = &reason
			token.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

func (s *stubTokenStore) RevokeFamily(ctx context.Context, familyID, reason, excludeID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, token := range s.tokens {
		if token.FamilyID == familyID && token.Status == models.StatusActive && token.ID != excludeID {
			token.Status = models.StatusRevoked
			token.RevokedReason = &reason
			token.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

func (s *stubTokenStore) UpdateEvents(ctx context.Context, id string, events models.TokenEvents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.tokens[id]; ok {
		token.Events = events
	}
	return nil
}

func (s *stubTokenStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *stubTokenStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type stubUserStore struct {
	users map[string]*models.User
}

func (s *stubUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

type stubDenylist struct {
	mu      sync.Mutex
	revoked map[string]bool
	cutoffs map[string]time.Time
}

func newStubDenylist() *stubDenylist {
	return &stubDenylist{revoked: make(map[string]bool), cutoffs: make(map[string]time.Time)}
}

func (s *stubDenylist) RevokeAccessToken(ctx context.Context, jti string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = true
	return nil
}

func (s *stubDenylist) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[jti], nil
}

func (s *stubDenylist) SetUserRevocationCutoff(ctx context.Context, userID string, at time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs[userID] = at
	return nil
}

func (s *stubDenylist) UserRevocationCutoff(ctx context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff, ok := s.cutoffs[userID]
	return cutoff, ok, nil
}

type testEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *appErrors.Error `json:"error"`
}

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	secrets, err := service.NewSecretRotationService(config.SecretsConfig{
		AccessSeed:  "access-seed-0123456789abcdef0123",
		RefreshSeed: "refresh-seed-0123456789abcdef012",
		CSRFSeed:    "csrf-seed-0123456789abcdef012345",
	}, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)

	store := newStubTokenStore()
	users := &stubUserStore{users: map[string]*models.User{
		"u1": {ID: "u1", Username: "casey", Role: models.RoleMember, MFAEnabled: true},
	}}
	denylist := newStubDenylist()
	resolver := geo.NewStaticResolver(nil)
	parser := useragent.SimpleParser{}

	issuer := service.NewTokenIssuerService(
		store, users, denylist, secrets, service.NewRiskScorer(), nil, nil,
		resolver, parser, nil, nil, zap.NewNop(),
		service.TokenIssuerConfig{
			Issuer:     "talkwire",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			CSRFTTL:    12 * time.Hour,
		},
	)
	verifier := service.NewTokenVerifierService(
		denylist, secrets, nil, nil, resolver, parser, nil, nil, zap.NewNop(),
		service.TokenVerifierConfig{Issuer: "talkwire"},
	)
	rotation := service.NewRotationService(
		store, users, denylist, issuer, nil, nil, resolver, parser, nil, nil, zap.NewNop(),
		service.RotationConfig{RotateOnUse: true, AccessTTL: 15 * time.Minute},
	)

	r := gin.New()
	RegisterRoutes(r, "/api/v1", NewAuthHandler(issuer, verifier, rotation), NewMetricsHandler(nil, nil, nil), verifier)
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, r *gin.Engine) models.IssueResponse {
	t.Helper()
	w := doJSON(r, http.MethodPost, "/api/v1/auth/login", gin.H{
		"user_id":            "u1",
		"session_id":         "s1",
		"device_fingerprint": "fp-1",
		"device_trust":       80,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var envelope testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	var res models.IssueResponse
	require.NoError(t, json.Unmarshal(envelope.Data, &res))
	return res
}

func TestLoginIssuesTokenSet(t *testing.T) {
	r := newTestEngine(t)
	res := login(t, r)

	assert.NotEmpty(t, res.Access.Token)
	assert.NotEmpty(t, res.Refresh.Token)
	assert.NotEmpty(t, res.CSRF)
	assert.Equal(t, "casey", res.User.Username)
	assert.Equal(t, 0, res.Refresh.Generation)
}

func TestLoginValidation(t *testing.T) {
	r := newTestEngine(t)

	w := doJSON(r, http.MethodPost, "/api/v1/auth/login", gin.H{"session_id": "s1"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var envelope testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrValidation.Code, envelope.Error.Code)
}

func TestVerifyEndpoint(t *testing.T) {
	r := newTestEngine(t)
	res := login(t, r)

	w := doJSON(r, http.MethodPost, "/api/v1/auth/verify", gin.H{
		"access_token":       res.Access.Token,
		"device_fingerprint": "fp-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var envelope testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	var out models.VerifyResponse
	require.NoError(t, json.Unmarshal(envelope.Data, &out))
	assert.True(t, out.Valid)
	assert.Equal(t, res.Access.TokenID, out.TokenID)
}

func TestRefreshEndpointRotates(t *testing.T) {
	r := newTestEngine(t)
	res := login(t, r)

	w := doJSON(r, http.MethodPost, "/api/v1/auth/refresh", gin.H{
		"refresh_token":      res.Refresh.Token,
		"device_fingerprint": "fp-1",
		"user_id":            "u1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var envelope testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	var pair models.TokenPair
	require.NoError(t, json.Unmarshal(envelope.Data, &pair))
	assert.Equal(t, 1, pair.Refresh.Generation)
	assert.NotEqual(t, res.Refresh.Token, pair.Refresh.Token)

	// Replaying the rotated token is rejected.
	w = doJSON(r, http.MethodPost, "/api/v1/auth/refresh", gin.H{
		"refresh_token":      res.Refresh.Token,
		"device_fingerprint": "fp-1",
		"user_id":            "u1",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMeRequiresBearer(t *testing.T) {
	r := newTestEngine(t)
	res := login(t, r)

	w := doJSON(r, http.MethodGet, "/api/v1/auth/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/auth/me", nil, map[string]string{
		"Authorization":        "Bearer " + res.Access.Token,
		"X-Device-Fingerprint": "fp-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var envelope testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	var out models.VerifyResponse
	require.NoError(t, json.Unmarshal(envelope.Data, &out))
	assert.Equal(t, "casey", out.User.Username)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	r := newTestEngine(t)
	res := login(t, r)

	auth := map[string]string{
		"Authorization":        "Bearer " + res.Access.Token,
		"X-Device-Fingerprint": "fp-1",
	}

	w := doJSON(r, http.MethodPost, "/api/v1/auth/logout", nil, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The denylisted token no longer opens protected routes.
	w = doJSON(r, http.MethodGet, "/api/v1/auth/me", nil, auth)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	var envelope testEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrTokenRevoked.Code, envelope.Error.Code)
}

func TestRevokeRequiresCSRF(t *testing.T) {
	r := newTestEngine(t)
	res := login(t, r)

	auth := map[string]string{
		"Authorization":        "Bearer " + res.Access.Token,
		"X-Device-Fingerprint": "fp-1",
	}
	body := gin.H{"user_id": "u1", "reason": "user_logout_all"}

	w := doJSON(r, http.MethodPost, "/api/v1/auth/revoke", body, auth)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	auth["X-CSRF-Token"] = res.CSRF
	w = doJSON(r, http.MethodPost, "/api/v1/auth/revoke", body, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRevokeOtherUserForbiddenForMembers(t *testing.T) {
	r := newTestEngine(t)
	res := login(t, r)

	w := doJSON(r, http.MethodPost, "/api/v1/auth/revoke", gin.H{
		"user_id": "u2", "reason": "admin_action",
	}, map[string]string{
		"Authorization":        "Bearer " + res.Access.Token,
		"X-Device-Fingerprint": "fp-1",
		"X-CSRF-Token":         res.CSRF,
	})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	r := newTestEngine(t)

	w := doJSON(r, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}
