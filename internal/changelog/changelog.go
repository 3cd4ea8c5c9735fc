// Package changelog определяет контракт durable-журнала изменений:
// append-only арена per-origin логов, текущее состояние записей и
// per-peer bookkeeping синхронизации. Реализация — в подпакете sqlite.
package changelog

import (
	"context"
	"time"

	"github.com/iudanet/pairsync/internal/models"
)

// RecordOp staged-эффект одного изменения на текущее состояние Record.
// Проигравшие конфликт изменения попадают в журнал, но не порождают RecordOp.
type RecordOp struct {
	RecordID   string
	OriginID   string
	Payload    []byte
	OccurredAt int64
	OriginSeq  int64
	WallClock  time.Time
	Deleted    bool
}

// Commit атомарная единица фазы Committing: записи журнала одного
// changeset, эффекты победивших изменений и продвижение курсора.
// Применяется как одна транзакция; повторное применение уже
// закоммиченного changeset обязано быть no-op (идемпотентность).
type Commit struct {
	PeerID    string
	OriginID  string
	Entries   []models.ChangeEntry
	Records   []RecordOp
	UpTo      int64 // новый курсор (last_pulled) для OriginID
	Conflicts int64 // прирост pending_conflicts у peer-а
}

// Storage durable-хранилище журнала изменений, состояния записей и
// per-peer состояния синхронизации. Все мутации сериализуются через
// единственного писателя (single writer discipline).
type Storage interface {
	LogStorage
	RecordStorage
	SyncStateStorage

	Close() error
}

// LogStorage append-only журнал изменений, индексированный по origin
type LogStorage interface {
	// AppendLocal назначает следующий per-origin sequence number,
	// дописывает запись в журнал и применяет её эффект к состоянию
	// Record в одной транзакции. Возвращает запись с назначенным
	// SequenceNo. Единственная точка входа локальных мутаций.
	AppendLocal(ctx context.Context, entry *models.ChangeEntry) (*models.ChangeEntry, error)

	// EntriesRange возвращает записи origin в диапазоне (from, to] в
	// порядке возрастания sequence_no. to <= 0 означает "до конца".
	EntriesRange(ctx context.Context, originID string, from, to int64) ([]models.ChangeEntry, error)

	// LatestSequence возвращает последний sequence_no, durably
	// хранящийся для origin (0, если origin неизвестен). Это и есть
	// курсор получателя для данного origin.
	LatestSequence(ctx context.Context, originID string) (int64, error)

	// LatestOccurredAt возвращает максимальный occurred_at среди
	// записей origin (для монотонной гибридной метки времени).
	LatestOccurredAt(ctx context.Context, originID string) (int64, error)

	// Origins возвращает все origin, известные журналу
	Origins(ctx context.Context) ([]string, error)
}

// RecordStorage текущее состояние доменных записей
type RecordStorage interface {
	// GetRecord возвращает текущее состояние записи, включая tombstone
	GetRecord(ctx context.Context, recordID string) (*models.Record, error)

	// ListRecords возвращает все не удаленные записи
	ListRecords(ctx context.Context) ([]models.Record, error)
}

// SyncStateStorage per-peer bookkeeping синхронизации
type SyncStateStorage interface {
	// CommitRemote применяет один проверенный changeset атомарно:
	// журнал + эффекты записей + курсор + счетчик конфликтов.
	CommitRemote(ctx context.Context, commit *Commit) error

	// SyncState возвращает состояние синхронизации с peer-ом
	// (нулевое состояние, если раундов еще не было).
	SyncState(ctx context.Context, peerID string) (*models.SyncState, error)

	// SetLastPushed фиксирует подтвержденный peer-ом номер нашего origin
	SetLastPushed(ctx context.Context, peerID string, seq int64) error

	// FinishRound фиксирует момент успешного завершения раунда
	FinishRound(ctx context.Context, peerID string, at time.Time) error
}
