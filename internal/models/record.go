package models

import "time"

// Record текущее состояние одной доменной записи (например, наблюдения).
// Идентификатор глобально стабилен и никогда не переиспользуется, даже
// после удаления: delete оставляет tombstone. Поля версии (OccurredAt,
// OriginDeviceID, OriginSequence) указывают на запись журнала, чей эффект
// сейчас является текущим.
type Record struct {
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ID             string    `json:"id"`
	OriginDeviceID string    `json:"origin_device_id"`
	Payload        []byte    `json:"payload"`
	OccurredAt     int64     `json:"occurred_at"`
	OriginSequence int64     `json:"origin_sequence"`
	Deleted        bool      `json:"deleted"` // Deleted tombstone: идентификатор терминально занят
}

// Version возвращает LWW-ключ текущей версии записи в виде ChangeEntry,
// пригодном для сравнения через Supersedes и для ConflictRecord.
func (r *Record) Version() ChangeEntry {
	op := OpUpdate
	if r.Deleted {
		op = OpDelete
	}
	return ChangeEntry{
		SequenceNo:     r.OriginSequence,
		RecordID:       r.ID,
		Operation:      op,
		Payload:        r.Payload,
		OriginDeviceID: r.OriginDeviceID,
		OccurredAt:     r.OccurredAt,
	}
}
