package boltdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/truststore"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(context.Background(), filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func TestStorage_Identity(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	// До инициализации личности нет
	_, err := s.Identity(ctx)
	assert.ErrorIs(t, err, truststore.ErrIdentityNotFound)

	id, err := identity.Generate("field-device")
	require.NoError(t, err)

	require.NoError(t, s.SaveIdentity(ctx, id))

	loaded, err := s.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID, loaded.DeviceID)
	assert.Equal(t, id.CertPEM, loaded.CertPEM)
	assert.Equal(t, id.KeyPEM, loaded.KeyPEM)
}

func TestStorage_Peers(t *testing.T) {
	ctx := context.Background()
	s := setupTestStorage(t)

	id, err := identity.Generate("home-device")
	require.NoError(t, err)

	fp, err := id.Fingerprint()
	require.NoError(t, err)

	peer := &models.PeerIdentity{
		PeerID:      id.DeviceID,
		DisplayName: "home-device",
		Fingerprint: fp,
		PairedAt:    time.Now(),
	}

	// Неизвестный peer
	_, err = s.GetPeer(ctx, peer.PeerID)
	assert.ErrorIs(t, err, truststore.ErrPeerNotFound)

	require.NoError(t, s.SavePeer(ctx, peer))

	loaded, err := s.GetPeer(ctx, peer.PeerID)
	require.NoError(t, err)
	assert.Equal(t, peer.PeerID, loaded.PeerID)
	assert.Equal(t, peer.Fingerprint, loaded.Fingerprint)

	// Поиск по отпечатку
	found, err := s.FindByFingerprint(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, peer.PeerID, found.PeerID)

	// Чужой отпечаток не проходит
	other := make([]byte, len(fp))
	copy(other, fp)
	other[31] ^= 0x01
	_, err = s.FindByFingerprint(ctx, other)
	assert.ErrorIs(t, err, truststore.ErrPeerNotFound)

	peers, err := s.ListPeers(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	require.NoError(t, s.DeletePeer(ctx, peer.PeerID))
	_, err = s.GetPeer(ctx, peer.PeerID)
	assert.ErrorIs(t, err, truststore.ErrPeerNotFound)

	err = s.DeletePeer(ctx, peer.PeerID)
	assert.ErrorIs(t, err, truststore.ErrPeerNotFound)
}
