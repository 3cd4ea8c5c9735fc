package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/pairsync/internal/changelog"
	"github.com/iudanet/pairsync/internal/models"
)

// mergePlan staged-результат фазы Merging: эффекты победивших изменений
// и зафиксированные конфликты. Ничего не персистится до фазы Committing.
type mergePlan struct {
	records   []changelog.RecordOp
	conflicts []models.ConflictRecord
}

// merge прогоняет записи changeset через разрешение конфликтов и строит
// план коммита. senderPos — позиции журналов, заявленные отправителем в
// Negotiate: версия записи считается конфликтующей, только если
// отправитель её не видел (обе стороны изменили запись после последней
// общей точки синхронизации).
//
// Правило LWW тотально и детерминированно: сначала occurred_at, при
// равенстве выигрывает лексикографически меньший origin id. Проигравшее
// изменение остается в журнале, вытесняется только его эффект на
// текущее состояние Record. Tombstone терминален: повторное занятие
// идентификатора удаленной записи отклоняется независимо от меток.
func (e *Engine) merge(ctx context.Context, entries []models.ChangeEntry, senderPos map[string]int64) (*mergePlan, error) {
	plan := &mergePlan{}

	// Внутри одного changeset записи упорядочены, но могут трогать одну
	// запись несколько раз: staged-версии перекрывают прочитанные из
	// хранилища.
	staged := make(map[string]*models.ChangeEntry)

	for i := range entries {
		entry := &entries[i]

		current, err := e.currentVersion(ctx, staged, entry.RecordID)
		if err != nil {
			return nil, err
		}

		if current == nil {
			// Записи еще нет: эффект применяется как есть
			plan.stage(staged, entry)
			continue
		}

		// Та же самая запись журнала: идемпотентный повтор
		if current.OriginDeviceID == entry.OriginDeviceID && current.SequenceNo == entry.SequenceNo {
			continue
		}

		if current.OrderKeyEquals(entry) {
			// Два разных изменения с одинаковым ключом упорядочивания
			// невозможны по построению
			return nil, fmt.Errorf("%w: record %s at %d from %s",
				ErrResolutionAmbiguity, entry.RecordID, entry.OccurredAt, entry.OriginDeviceID)
		}

		// Tombstone терминален: идентификаторы не переиспользуются
		if current.Operation == models.OpDelete && entry.Operation == models.OpInsert {
			plan.conflicts = append(plan.conflicts, models.ConflictRecord{
				RecordID:   entry.RecordID,
				Local:      *current,
				Remote:     *entry,
				Resolution: models.ResolutionReinsertRejected,
				ResolvedAt: e.clock.Now(),
			})
			continue
		}

		// Конфликт только если отправитель не видел текущую версию:
		// обе стороны изменили запись после общей точки синхронизации
		conflict := current.OriginDeviceID != entry.OriginDeviceID &&
			current.SequenceNo > senderPos[current.OriginDeviceID]

		if entry.Supersedes(current) {
			plan.stage(staged, entry)
			if conflict {
				plan.conflicts = append(plan.conflicts, models.ConflictRecord{
					RecordID:   entry.RecordID,
					Local:      *current,
					Remote:     *entry,
					Resolution: models.ResolutionRemoteWins,
					ResolvedAt: e.clock.Now(),
				})
			}
			continue
		}

		// Локальная версия новее: запись журнала сохраняется, эффект — нет
		if conflict {
			plan.conflicts = append(plan.conflicts, models.ConflictRecord{
				RecordID:   entry.RecordID,
				Local:      *current,
				Remote:     *entry,
				Resolution: models.ResolutionLocalWins,
				ResolvedAt: e.clock.Now(),
			})
		}
	}

	return plan, nil
}

// currentVersion возвращает текущую версию записи с учетом staged-изменений
// этого же changeset. nil — записи нет.
func (e *Engine) currentVersion(ctx context.Context, staged map[string]*models.ChangeEntry, recordID string) (*models.ChangeEntry, error) {
	if v, ok := staged[recordID]; ok {
		return v, nil
	}

	record, err := e.store.GetRecord(ctx, recordID)
	if errors.Is(err, changelog.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	version := record.Version()
	return &version, nil
}

// stage добавляет эффект победившего изменения в план коммита
func (p *mergePlan) stage(staged map[string]*models.ChangeEntry, entry *models.ChangeEntry) {
	staged[entry.RecordID] = entry

	p.records = append(p.records, changelog.RecordOp{
		RecordID:   entry.RecordID,
		OriginID:   entry.OriginDeviceID,
		Payload:    entry.Payload,
		OccurredAt: entry.OccurredAt,
		OriginSeq:  entry.SequenceNo,
		WallClock:  entry.WallClock,
		Deleted:    entry.Operation == models.OpDelete,
	})
}
