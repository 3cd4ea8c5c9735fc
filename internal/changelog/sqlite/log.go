package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/pairsync/internal/changelog"
	"github.com/iudanet/pairsync/internal/models"
)

// AppendLocal назначает следующий per-origin sequence number, дописывает
// запись в журнал и применяет её эффект к состоянию Record в одной
// транзакции. Единственная точка входа для локальных мутаций: прямых
// записей в records мимо журнала не существует.
func (s *Storage) AppendLocal(ctx context.Context, entry *models.ChangeEntry) (*models.ChangeEntry, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback после commit безвреден

	// Следующий номер в пределах origin
	var latest int64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_no), 0) FROM change_log WHERE origin_id = ?`,
		entry.OriginDeviceID,
	)
	if err := row.Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to query latest sequence: %w", err)
	}

	assigned := entry.Clone()
	assigned.SequenceNo = latest + 1

	// Проверяем состояние записи до применения
	current, err := getRecordTx(ctx, tx, assigned.RecordID)
	if err != nil && !errors.Is(err, changelog.ErrRecordNotFound) {
		return nil, err
	}

	switch assigned.Operation {
	case models.OpInsert:
		// Идентификаторы никогда не переиспользуются, tombstone тоже занимает id
		if current != nil {
			return nil, changelog.ErrRecordExists
		}
	case models.OpUpdate, models.OpDelete:
		if current == nil || current.Deleted {
			return nil, changelog.ErrRecordNotFound
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_log (origin_id, sequence_no, record_id, operation, payload, occurred_at, wall_clock)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		assigned.OriginDeviceID,
		assigned.SequenceNo,
		assigned.RecordID,
		string(assigned.Operation),
		assigned.Payload,
		assigned.OccurredAt,
		assigned.WallClock.UnixMicro(),
	); err != nil {
		return nil, fmt.Errorf("failed to insert change entry: %w", err)
	}

	op := changelog.RecordOp{
		RecordID:   assigned.RecordID,
		OriginID:   assigned.OriginDeviceID,
		Payload:    assigned.Payload,
		OccurredAt: assigned.OccurredAt,
		OriginSeq:  assigned.SequenceNo,
		WallClock:  assigned.WallClock,
		Deleted:    assigned.Operation == models.OpDelete,
	}
	if err := applyRecordOpTx(ctx, tx, op); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return assigned, nil
}

// EntriesRange возвращает записи origin в диапазоне (from, to] в порядке
// возрастания sequence_no. to <= 0 означает "до конца журнала".
func (s *Storage) EntriesRange(ctx context.Context, originID string, from, to int64) ([]models.ChangeEntry, error) {
	query := `
		SELECT sequence_no, record_id, operation, payload, occurred_at, wall_clock
		FROM change_log
		WHERE origin_id = ? AND sequence_no > ?`
	args := []any{originID, from}

	if to > 0 {
		query += ` AND sequence_no <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence_no ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change entries: %w", err)
	}
	defer rows.Close()

	var entries []models.ChangeEntry
	for rows.Next() {
		var (
			entry     models.ChangeEntry
			op        string
			wallClock int64
		)
		if err := rows.Scan(&entry.SequenceNo, &entry.RecordID, &op, &entry.Payload, &entry.OccurredAt, &wallClock); err != nil {
			return nil, fmt.Errorf("failed to scan change entry: %w", err)
		}
		entry.OriginDeviceID = originID
		entry.Operation = models.Operation(op)
		entry.WallClock = time.UnixMicro(wallClock)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change entries: %w", err)
	}

	return entries, nil
}

// LatestSequence возвращает последний durably хранящийся sequence_no для
// origin. Это курсор получателя: changeset обязан начинаться ровно с него.
func (s *Storage) LatestSequence(ctx context.Context, originID string) (int64, error) {
	var latest int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_no), 0) FROM change_log WHERE origin_id = ?`,
		originID,
	)
	if err := row.Scan(&latest); err != nil {
		return 0, fmt.Errorf("failed to query latest sequence: %w", err)
	}
	return latest, nil
}

// LatestOccurredAt возвращает максимальный occurred_at среди записей origin
func (s *Storage) LatestOccurredAt(ctx context.Context, originID string) (int64, error) {
	var latest int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(occurred_at), 0) FROM change_log WHERE origin_id = ?`,
		originID,
	)
	if err := row.Scan(&latest); err != nil {
		return 0, fmt.Errorf("failed to query latest occurred_at: %w", err)
	}
	return latest, nil
}

// Origins возвращает все origin, известные журналу
func (s *Storage) Origins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT origin_id FROM change_log ORDER BY origin_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query origins: %w", err)
	}
	defer rows.Close()

	var origins []string
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, fmt.Errorf("failed to scan origin: %w", err)
		}
		origins = append(origins, origin)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate origins: %w", err)
	}

	return origins, nil
}

func validateEntry(entry *models.ChangeEntry) error {
	if entry == nil {
		return changelog.ErrInvalidEntry
	}
	if entry.RecordID == "" || entry.OriginDeviceID == "" || !entry.Operation.Valid() {
		return changelog.ErrInvalidEntry
	}
	if entry.OccurredAt <= 0 {
		return changelog.ErrInvalidEntry
	}
	return nil
}

// getRecordTx читает текущее состояние записи внутри транзакции
func getRecordTx(ctx context.Context, tx *sql.Tx, recordID string) (*models.Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, payload, deleted, occurred_at, origin_id, origin_seq, created_at, updated_at
		 FROM records WHERE id = ?`,
		recordID,
	)
	return scanRecord(row)
}

// applyRecordOpTx применяет эффект одного победившего изменения к records.
// Upsert защищен LWW-условием: при равных occurred_at выигрывает
// лексикографически меньший origin_id, равенство origin_id пропускает
// повторное применение уже закоммиченного изменения как no-op
// (идемпотентность под рестартом).
func applyRecordOpTx(ctx context.Context, tx *sql.Tx, op changelog.RecordOp) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, payload, deleted, occurred_at, origin_id, origin_seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     payload     = excluded.payload,
		     deleted     = excluded.deleted,
		     occurred_at = excluded.occurred_at,
		     origin_id   = excluded.origin_id,
		     origin_seq  = excluded.origin_seq,
		     updated_at  = excluded.updated_at
		 WHERE excluded.occurred_at > records.occurred_at
		    OR (excluded.occurred_at = records.occurred_at AND excluded.origin_id <= records.origin_id)`,
		op.RecordID,
		op.Payload,
		boolToInt(op.Deleted),
		op.OccurredAt,
		op.OriginID,
		op.OriginSeq,
		op.WallClock.UnixMicro(),
		op.WallClock.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to apply record op: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
