// Package truststore определяет контракт durable-хранилища доверия:
// собственная личность установки и закрепленные при pairing личности
// peer-ов. Реализация — в подпакете boltdb.
package truststore

import (
	"context"

	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/models"
)

// Storage хранилище доверия. Peer попадает сюда только через pairing;
// каждая последующая транспортная сессия сверяется с закрепленным
// отпечатком — неизвестный сертификат означает отказ в соединении.
type Storage interface {
	// SaveIdentity сохраняет собственную личность установки
	SaveIdentity(ctx context.Context, id *identity.Identity) error

	// Identity возвращает собственную личность (ErrIdentityNotFound,
	// если установка еще не инициализирована)
	Identity(ctx context.Context) (*identity.Identity, error)

	// SavePeer закрепляет личность peer-а (вызывается при pairing)
	SavePeer(ctx context.Context, peer *models.PeerIdentity) error

	// GetPeer возвращает закрепленную личность по peer id
	GetPeer(ctx context.Context, peerID string) (*models.PeerIdentity, error)

	// FindByFingerprint возвращает личность по отпечатку сертификата
	FindByFingerprint(ctx context.Context, fingerprint []byte) (*models.PeerIdentity, error)

	// ListPeers возвращает все закрепленные личности
	ListPeers(ctx context.Context) ([]models.PeerIdentity, error)

	// DeletePeer удаляет закрепленную личность (разрыв доверия)
	DeletePeer(ctx context.Context, peerID string) error

	Close() error
}
