package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/truststore"
)

var identityKey = []byte("self")

// SaveIdentity сохраняет собственную личность установки
func (s *Storage) SaveIdentity(ctx context.Context, id *identity.Identity) error {
	if s.db == nil {
		return truststore.ErrStorageClosed
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put(identityKey, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}

	return nil
}

// Identity возвращает собственную личность установки
func (s *Storage) Identity(ctx context.Context) (*identity.Identity, error) {
	if s.db == nil {
		return nil, truststore.ErrStorageClosed
	}

	var id *identity.Identity

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get(identityKey)
		if data == nil {
			return truststore.ErrIdentityNotFound
		}

		id = &identity.Identity{}
		if err := json.Unmarshal(data, id); err != nil {
			return fmt.Errorf("failed to unmarshal identity: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return id, nil
}

// SavePeer закрепляет личность peer-а
func (s *Storage) SavePeer(ctx context.Context, peer *models.PeerIdentity) error {
	if s.db == nil {
		return truststore.ErrStorageClosed
	}

	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("failed to marshal peer identity: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(peer.PeerID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save peer: %w", err)
	}

	return nil
}

// GetPeer возвращает закрепленную личность по peer id
func (s *Storage) GetPeer(ctx context.Context, peerID string) (*models.PeerIdentity, error) {
	if s.db == nil {
		return nil, truststore.ErrStorageClosed
	}

	var peer *models.PeerIdentity

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(peerID))
		if data == nil {
			return truststore.ErrPeerNotFound
		}

		peer = &models.PeerIdentity{}
		if err := json.Unmarshal(data, peer); err != nil {
			return fmt.Errorf("failed to unmarshal peer identity: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return peer, nil
}

// FindByFingerprint возвращает личность по отпечатку сертификата.
// Используется транспортом для проверки предъявленного сертификата.
func (s *Storage) FindByFingerprint(ctx context.Context, fingerprint []byte) (*models.PeerIdentity, error) {
	peerID := identity.PeerIDFromFingerprint(fingerprint)

	peer, err := s.GetPeer(ctx, peerID)
	if err != nil {
		return nil, err
	}

	// PeerID — префикс отпечатка, сверяем отпечаток целиком
	if !bytes.Equal(peer.Fingerprint, fingerprint) {
		return nil, truststore.ErrPeerNotFound
	}

	return peer, nil
}

// ListPeers возвращает все закрепленные личности
func (s *Storage) ListPeers(ctx context.Context) ([]models.PeerIdentity, error) {
	if s.db == nil {
		return nil, truststore.ErrStorageClosed
	}

	var peers []models.PeerIdentity

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, data []byte) error {
			var peer models.PeerIdentity
			if err := json.Unmarshal(data, &peer); err != nil {
				return fmt.Errorf("failed to unmarshal peer identity: %w", err)
			}
			peers = append(peers, peer)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return peers, nil
}

// DeletePeer удаляет закрепленную личность
func (s *Storage) DeletePeer(ctx context.Context, peerID string) error {
	if s.db == nil {
		return truststore.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPeers)
		if bucket.Get([]byte(peerID)) == nil {
			return truststore.ErrPeerNotFound
		}
		return bucket.Delete([]byte(peerID))
	})
	if err != nil {
		return err
	}

	return nil
}
