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

// GetRecord возвращает текущее состояние записи, включая tombstone
func (s *Storage) GetRecord(ctx context.Context, recordID string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, payload, deleted, occurred_at, origin_id, origin_seq, created_at, updated_at
		 FROM records WHERE id = ?`,
		recordID,
	)
	return scanRecord(row)
}

// ListRecords возвращает все не удаленные записи в стабильном порядке
func (s *Storage) ListRecords(ctx context.Context) ([]models.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, deleted, occurred_at, origin_id, origin_seq, created_at, updated_at
		 FROM records WHERE deleted = 0 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		record, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*models.Record, error) {
	record, err := scanRecordFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, changelog.ErrRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

func scanRecordRows(rows *sql.Rows) (*models.Record, error) {
	return scanRecordFrom(rows)
}

func scanRecordFrom(scanner rowScanner) (*models.Record, error) {
	var (
		record    models.Record
		deleted   int
		createdAt int64
		updatedAt int64
	)

	err := scanner.Scan(
		&record.ID,
		&record.Payload,
		&deleted,
		&record.OccurredAt,
		&record.OriginDeviceID,
		&record.OriginSequence,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	record.Deleted = deleted != 0
	record.CreatedAt = time.UnixMicro(createdAt)
	record.UpdatedAt = time.UnixMicro(updatedAt)

	return &record, nil
}
