package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talkwire/token-engine/internal/models"
	"github.com/talkwire/token-engine/pkg/config"
)

type mockSyncSink struct {
	mu        sync.Mutex
	snapshots map[string]interface{}
}

func (m *mockSyncSink) SaveSecretSnapshot(ctx context.Context, class string, snapshot interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots == nil {
		m.snapshots = make(map[string]interface{})
	}
	m.snapshots[class] = snapshot
	return nil
}

func TestSecretSeedsAllClasses(t *testing.T) {
	secrets := testSecrets(t)
	for _, class := range []models.TokenClass{models.ClassAccess, models.ClassRefresh, models.ClassCSRF} {
		assert.NotEmpty(t, secrets.CurrentKeyID(class))
	}
	assert.NotEqual(t, secrets.CurrentKeyID(models.ClassAccess), secrets.CurrentKeyID(models.ClassRefresh))
}

func TestRotateInstallsNewCurrent(t *testing.T) {
	secrets := testSecrets(t)
	oldKeyID := secrets.CurrentKeyID(models.ClassAccess)

	require.NoError(t, secrets.Rotate(context.Background(), models.ClassAccess))

	newKeyID := secrets.CurrentKeyID(models.ClassAccess)
	assert.NotEqual(t, oldKeyID, newKeyID)

	// Unrotated classes keep their material.
	_, path, err := secrets.ResolveKey(models.ClassRefresh, "", secrets.CurrentKeyID(models.ClassRefresh))
	require.NoError(t, err)
	assert.Equal(t, KeyPathCurrent, path)
}

func TestResolveKeyPreviousWithinGrace(t *testing.T) {
	secrets := testSecrets(t)
	oldKeyID := secrets.CurrentKeyID(models.ClassAccess)
	oldKey, _, err := secrets.ResolveKey(models.ClassAccess, "u1", oldKeyID)
	require.NoError(t, err)

	require.NoError(t, secrets.Rotate(context.Background(), models.ClassAccess))

	key, path, err := secrets.ResolveKey(models.ClassAccess, "u1", oldKeyID)
	require.NoError(t, err)
	assert.Equal(t, KeyPathPrevious, path)
	assert.Equal(t, oldKey, key)
}

func TestResolveKeyPreviousPastGraceDegrades(t *testing.T) {
	secrets := testSecrets(t)
	oldKeyID := secrets.CurrentKeyID(models.ClassAccess)
	require.NoError(t, secrets.Rotate(context.Background(), models.ClassAccess))

	secrets.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

	_, path, err := secrets.ResolveKey(models.ClassAccess, "u1", oldKeyID)
	require.NoError(t, err)
	assert.Equal(t, KeyPathPreviousDegraded, path)
}

func TestResolveKeyUnknownKidFallsBack(t *testing.T) {
	secrets := testSecrets(t)

	key, path, err := secrets.ResolveKey(models.ClassAccess, "u1", "no-such-kid")
	require.NoError(t, err)
	assert.Equal(t, KeyPathCompatFallback, path)

	current, _, err := secrets.ResolveKey(models.ClassAccess, "u1", secrets.CurrentKeyID(models.ClassAccess))
	require.NoError(t, err)
	assert.Equal(t, current, key)
}

func TestPerUserDerivationIsolatesUsers(t *testing.T) {
	secrets := testSecrets(t)
	kid := secrets.CurrentKeyID(models.ClassAccess)

	keyA, _, err := secrets.ResolveKey(models.ClassAccess, "alice", kid)
	require.NoError(t, err)
	keyB, _, err := secrets.ResolveKey(models.ClassAccess, "bob", kid)
	require.NoError(t, err)
	base, _, err := secrets.ResolveKey(models.ClassAccess, "", kid)
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
	assert.NotEqual(t, keyA, base)

	again, _, err := secrets.ResolveKey(models.ClassAccess, "alice", kid)
	require.NoError(t, err)
	assert.Equal(t, keyA, again)
}

func TestGracePeriodFloor(t *testing.T) {
	secrets, err := NewSecretRotationService(config.SecretsConfig{GracePeriod: time.Hour}, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, minGracePeriod, secrets.grace)
}

func TestRotatePublishesSnapshot(t *testing.T) {
	sink := &mockSyncSink{}
	secrets, err := NewSecretRotationService(config.SecretsConfig{}, sink, nil, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, secrets.Rotate(context.Background(), models.ClassRefresh))

	raw, ok := sink.snapshots[string(models.ClassRefresh)]
	require.True(t, ok)
	snapshot, ok := raw.(SecretSnapshot)
	require.True(t, ok)
	assert.Equal(t, secrets.CurrentKeyID(models.ClassRefresh), snapshot.KeyID)
	assert.Equal(t, 1, snapshot.RotationCount)
	assert.NotEmpty(t, snapshot.PreviousKeyID)
}

func TestRotationCheckTaskRotatesDueClasses(t *testing.T) {
	secrets := testSecrets(t)
	oldKeyID := secrets.CurrentKeyID(models.ClassAccess)

	secrets.now = func() time.Time { return time.Now().UTC().Add(8 * 24 * time.Hour) }

	require.NoError(t, secrets.RotationCheckTask(context.Background()))
	assert.NotEqual(t, oldKeyID, secrets.CurrentKeyID(models.ClassAccess))
}

func TestRotationCheckTaskLeavesFreshClasses(t *testing.T) {
	secrets := testSecrets(t)
	oldKeyID := secrets.CurrentKeyID(models.ClassAccess)

	require.NoError(t, secrets.RotationCheckTask(context.Background()))
	assert.Equal(t, oldKeyID, secrets.CurrentKeyID(models.ClassAccess))
}
