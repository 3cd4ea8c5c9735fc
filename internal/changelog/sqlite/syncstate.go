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

// CommitRemote применяет один проверенный changeset атомарно: записи
// журнала, эффекты победивших изменений, продвижение курсора и счетчик
// конфликтов — одна транзакция. Повторное применение уже закоммиченного
// changeset (после рестарта или повторного импорта) является no-op:
// записи журнала вставляются через INSERT OR IGNORE, upsert records
// защищен LWW-условием, курсор продвигается только вперед.
func (s *Storage) CommitRemote(ctx context.Context, commit *changelog.Commit) error {
	if commit == nil || commit.OriginID == "" {
		return changelog.ErrInvalidEntry
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback после commit безвреден

	for i := range commit.Entries {
		entry := &commit.Entries[i]
		if err := validateEntry(entry); err != nil {
			return err
		}
		if entry.SequenceNo <= 0 || entry.OriginDeviceID != commit.OriginID {
			return changelog.ErrInvalidEntry
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO change_log (origin_id, sequence_no, record_id, operation, payload, occurred_at, wall_clock)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.OriginDeviceID,
			entry.SequenceNo,
			entry.RecordID,
			string(entry.Operation),
			entry.Payload,
			entry.OccurredAt,
			entry.WallClock.UnixMicro(),
		); err != nil {
			return fmt.Errorf("failed to insert change entry: %w", err)
		}
	}

	for _, op := range commit.Records {
		if err := applyRecordOpTx(ctx, tx, op); err != nil {
			return err
		}
	}

	if commit.PeerID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_state (peer_id, origin_id, last_pulled)
			 VALUES (?, ?, ?)
			 ON CONFLICT(peer_id, origin_id) DO UPDATE SET
			     last_pulled = MAX(sync_state.last_pulled, excluded.last_pulled)`,
			commit.PeerID, commit.OriginID, commit.UpTo,
		); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}

		if commit.Conflicts > 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO peer_meta (peer_id, pending_conflicts)
				 VALUES (?, ?)
				 ON CONFLICT(peer_id) DO UPDATE SET
				     pending_conflicts = peer_meta.pending_conflicts + excluded.pending_conflicts`,
				commit.PeerID, commit.Conflicts,
			); err != nil {
				return fmt.Errorf("failed to bump pending conflicts: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// SyncState возвращает состояние синхронизации с peer-ом.
// Если раундов с peer-ом еще не было, возвращает нулевое состояние.
func (s *Storage) SyncState(ctx context.Context, peerID string) (*models.SyncState, error) {
	state := &models.SyncState{
		PeerID:     peerID,
		LastPulled: make(map[string]int64),
	}

	var lastSyncAt int64
	row := s.db.QueryRowContext(ctx,
		`SELECT last_pushed, last_sync_at, pending_conflicts FROM peer_meta WHERE peer_id = ?`,
		peerID,
	)
	err := row.Scan(&state.LastPushed, &lastSyncAt, &state.PendingConflicts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query peer meta: %w", err)
	}
	if lastSyncAt > 0 {
		state.LastSyncAt = time.UnixMicro(lastSyncAt)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT origin_id, last_pulled FROM sync_state WHERE peer_id = ?`,
		peerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			originID string
			pulled   int64
		)
		if err := rows.Scan(&originID, &pulled); err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		state.LastPulled[originID] = pulled
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync state: %w", err)
	}

	return state, nil
}

// SetLastPushed фиксирует подтвержденный peer-ом номер нашего собственного
// origin. Вызывается после каждого ack, поэтому продвигается только вперед.
func (s *Storage) SetLastPushed(ctx context.Context, peerID string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_meta (peer_id, last_pushed)
		 VALUES (?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
		     last_pushed = MAX(peer_meta.last_pushed, excluded.last_pushed)`,
		peerID, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to set last pushed: %w", err)
	}
	return nil
}

// FinishRound фиксирует момент успешного завершения раунда и обнуляет
// счетчик еще не доставленных в audit конфликтов.
func (s *Storage) FinishRound(ctx context.Context, peerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_meta (peer_id, last_sync_at)
		 VALUES (?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET
		     last_sync_at      = excluded.last_sync_at,
		     pending_conflicts = 0`,
		peerID, at.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish round: %w", err)
	}
	return nil
}
