// Package audit определяет события, которые sync-движок эмитит внешнему
// audit-коллаборатору. Движок сам ничего не персистит: доставку и
// неизменяемое хранение обеспечивает подписчик.
package audit

import (
	"log/slog"
	"time"

	"github.com/iudanet/pairsync/internal/models"
)

// Events приемник audit-событий sync-движка
type Events interface {
	// PeerPaired новое устройство закреплено в trust store
	PeerPaired(peer models.PeerIdentity)

	// ConflictResolved конфликт разрешен (и победа, и поражение локальной версии)
	ConflictResolved(peerID string, conflict models.ConflictRecord)

	// SyncRoundCompleted раунд синхронизации успешно завершен
	SyncRoundCompleted(peerID string, pushed, pulled int, conflicts int, finishedAt time.Time)

	// SyncRoundFailed раунд синхронизации прерван с ошибкой
	SyncRoundFailed(peerID string, err error)
}

// LogEvents реализация Events поверх structured logger: минимальный
// подписчик для установок без внешнего audit-коллаборатора
type LogEvents struct {
	logger *slog.Logger
}

// NewLogEvents creates an Events sink backed by slog
func NewLogEvents(logger *slog.Logger) *LogEvents {
	return &LogEvents{logger: logger}
}

func (e *LogEvents) PeerPaired(peer models.PeerIdentity) {
	e.logger.Info("peer paired",
		"peer_id", peer.PeerID,
		"display_name", peer.DisplayName)
}

func (e *LogEvents) ConflictResolved(peerID string, conflict models.ConflictRecord) {
	e.logger.Info("conflict resolved",
		"peer_id", peerID,
		"record_id", conflict.RecordID,
		"resolution", conflict.Resolution,
		"local_occurred_at", conflict.Local.OccurredAt,
		"remote_occurred_at", conflict.Remote.OccurredAt)
}

func (e *LogEvents) SyncRoundCompleted(peerID string, pushed, pulled, conflicts int, finishedAt time.Time) {
	e.logger.Info("sync round completed",
		"peer_id", peerID,
		"pushed", pushed,
		"pulled", pulled,
		"conflicts", conflicts,
		"finished_at", finishedAt)
}

func (e *LogEvents) SyncRoundFailed(peerID string, err error) {
	e.logger.Warn("sync round failed",
		"peer_id", peerID,
		"error", err)
}
