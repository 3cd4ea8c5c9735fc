// Package syncer реализует ядро репликации: локальный write path поверх
// журнала изменений, оркестратор раундов синхронизации между двумя
// peer-ами и детерминированное LWW-разрешение конфликтов. Движок не
// предполагает доступности peer-ов: любой раунд может быть прерван в
// любой момент, прогресс фиксируется durable-курсорами.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/iudanet/pairsync/internal/audit"
	"github.com/iudanet/pairsync/internal/changelog"
	"github.com/iudanet/pairsync/internal/codec"
	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/transport"
	"github.com/iudanet/pairsync/internal/truststore"
)

// Engine связывает журнал изменений, trust store и транспорт в движок
// синхронизации. Безопасен для конкурентного использования; раунды с
// разными peer-ами идут параллельно, с одним peer-ом — никогда.
type Engine struct {
	id     *identity.Identity
	store  changelog.Storage
	trust  truststore.Storage
	dialer transport.Dialer
	codec  *codec.Codec
	clock  clockwork.Clock
	events audit.Events
	logger *slog.Logger

	// tsMu сериализует выдачу occurred_at: гибридная метка обязана
	// строго расти в пределах собственного origin
	tsMu sync.Mutex

	roundsMu sync.Mutex
	rounds   map[string]bool
}

// New creates a new sync engine
func New(
	id *identity.Identity,
	store changelog.Storage,
	trust truststore.Storage,
	dialer transport.Dialer,
	cdc *codec.Codec,
	clock clockwork.Clock,
	events audit.Events,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		id:     id,
		store:  store,
		trust:  trust,
		dialer: dialer,
		codec:  cdc,
		clock:  clock,
		events: events,
		logger: logger,
		rounds: make(map[string]bool),
	}
}

// OnLocalMutation единственная точка входа локальных изменений: назначает
// гибридную метку occurred_at, строит запись журнала и атомарно применяет
// её. Метка строго монотонна в пределах собственного origin, даже при
// откате настенных часов.
func (e *Engine) OnLocalMutation(ctx context.Context, recordID string, op models.Operation, payload []byte) (*models.ChangeEntry, error) {
	if recordID == "" || !op.Valid() {
		return nil, changelog.ErrInvalidEntry
	}

	e.tsMu.Lock()
	defer e.tsMu.Unlock()

	last, err := e.store.LatestOccurredAt(ctx, e.id.DeviceID)
	if err != nil {
		return nil, err
	}

	occurredAt := e.clock.Now().UnixMicro()
	if occurredAt <= last {
		occurredAt = last + 1
	}

	entry := &models.ChangeEntry{
		RecordID:       recordID,
		Operation:      op,
		Payload:        payload,
		OriginDeviceID: e.id.DeviceID,
		OccurredAt:     occurredAt,
		WallClock:      e.clock.Now(),
	}

	return e.store.AppendLocal(ctx, entry)
}

// ExportChangeset сериализует диапазон (from, до конца] журнала origin в
// транспортабельные байты для ручного обмена (файл, offline-носитель).
func (e *Engine) ExportChangeset(ctx context.Context, originID string, from int64) ([]byte, error) {
	entries, err := e.store.EntriesRange(ctx, originID, from, 0)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoChanges
	}

	cs, err := e.codec.Build(originID, from, entries)
	if err != nil {
		return nil, err
	}

	return e.codec.Encode(cs)
}

// ImportChangeset применяет ранее экспортированный changeset. Семантика
// как у принятого по сети: проверка целостности, merge с разрешением
// конфликтов, атомарный коммит, идемпотентность при повторном импорте.
// Знания отправителя о нашем состоянии нет, поэтому каждое вытеснение
// текущей версии учитывается как конфликт.
func (e *Engine) ImportChangeset(ctx context.Context, data []byte) (int, error) {
	cs, err := e.codec.Decode(data)
	if err != nil {
		return 0, err
	}

	cursor, err := e.store.LatestSequence(ctx, cs.OriginID)
	if err != nil {
		return 0, err
	}

	if cs.ToSequence <= cursor {
		// Все уже применено
		return 0, nil
	}
	if cs.FromSequence > cursor {
		return 0, fmt.Errorf("%w: changeset starts at %d, cursor at %d",
			changelog.ErrSequenceGap, cs.FromSequence, cursor)
	}

	entries := trimApplied(cs.Entries, cursor)

	plan, err := e.merge(ctx, entries, map[string]int64{cs.OriginID: cs.ToSequence})
	if err != nil {
		return 0, err
	}

	commit := &changelog.Commit{
		PeerID:    cs.OriginID,
		OriginID:  cs.OriginID,
		Entries:   entries,
		Records:   plan.records,
		UpTo:      cs.ToSequence,
		Conflicts: int64(len(plan.conflicts)),
	}
	if err := e.store.CommitRemote(ctx, commit); err != nil {
		return 0, err
	}

	for _, conflict := range plan.conflicts {
		e.events.ConflictResolved(cs.OriginID, conflict)
	}

	e.logger.Info("changeset imported",
		"origin_id", cs.OriginID,
		"entries", len(entries),
		"conflicts", len(plan.conflicts))

	return len(entries), nil
}

// GetSyncStatus возвращает операционный снимок состояния синхронизации
// с peer-ом. Connected означает активный в данный момент раунд.
func (e *Engine) GetSyncStatus(ctx context.Context, peerID string) (*models.SyncStatus, error) {
	if _, err := e.trust.GetPeer(ctx, peerID); err != nil {
		return nil, err
	}

	state, err := e.store.SyncState(ctx, peerID)
	if err != nil {
		return nil, err
	}

	ownLatest, err := e.store.LatestSequence(ctx, e.id.DeviceID)
	if err != nil {
		return nil, err
	}

	e.roundsMu.Lock()
	connected := e.rounds[peerID]
	e.roundsMu.Unlock()

	return &models.SyncStatus{
		PeerID:         peerID,
		Connected:      connected,
		LastSyncAt:     state.LastSyncAt,
		PendingChanges: ownLatest - state.LastPushed,
	}, nil
}

// ListPeers возвращает все спаренные устройства
func (e *Engine) ListPeers(ctx context.Context) ([]models.PeerIdentity, error) {
	return e.trust.ListPeers(ctx)
}

// beginRound пытается захватить per-peer замок раунда.
// Конкурентный раунд с тем же peer-ом отклоняется, не ставится в очередь.
func (e *Engine) beginRound(peerID string) bool {
	e.roundsMu.Lock()
	defer e.roundsMu.Unlock()

	if e.rounds[peerID] {
		return false
	}
	e.rounds[peerID] = true
	return true
}

func (e *Engine) endRound(peerID string) {
	e.roundsMu.Lock()
	delete(e.rounds, peerID)
	e.roundsMu.Unlock()
}

// trimApplied отбрасывает записи, уже покрытые курсором получателя
func trimApplied(entries []models.ChangeEntry, cursor int64) []models.ChangeEntry {
	for i := range entries {
		if entries[i].SequenceNo > cursor {
			return entries[i:]
		}
	}
	return nil
}
