package models

import "time"

// Operation тип операции, описываемой записью журнала изменений.
type Operation string

const (
	// OpInsert создание новой записи
	OpInsert Operation = "insert"
	// OpUpdate обновление существующей записи
	OpUpdate Operation = "update"
	// OpDelete удаление записи (tombstone, идентификатор не переиспользуется)
	OpDelete Operation = "delete"
)

// Valid проверяет, что операция входит в допустимый набор
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeEntry представляет одну неизменяемую запись журнала изменений.
// Создается локальным write path при каждой мутации Record и больше
// никогда не редактируется. SequenceNo монотонно растет в пределах
// одного origin (устройства), что исключает коллизии между устройствами.
type ChangeEntry struct {
	WallClock      time.Time `json:"wall_clock" cbor:"7,keyasint"`       // WallClock время создания по часам устройства (информационно)
	RecordID       string    `json:"record_id" cbor:"2,keyasint"`        // RecordID глобально стабильный идентификатор записи (UUID)
	OriginDeviceID string    `json:"origin_device_id" cbor:"5,keyasint"` // OriginDeviceID стабильный идентификатор установки, породившей изменение
	Operation      Operation `json:"operation" cbor:"3,keyasint"`        // Operation тип мутации: insert, update, delete
	Payload        []byte    `json:"payload" cbor:"4,keyasint"`          // Payload сериализованное состояние записи (пусто для delete)
	SequenceNo     int64     `json:"sequence_no" cbor:"1,keyasint"`      // SequenceNo монотонный номер в пределах origin, начиная с 1
	OccurredAt     int64     `json:"occurred_at" cbor:"6,keyasint"`      // OccurredAt гибридная метка времени (unix микросекунды, монотонно растет per-origin)
}

// Supersedes сравнивает две записи об одном и том же RecordID и определяет,
// вытесняет ли текущая запись другую по правилу LWW (Last-Write-Wins):
// 1. Сначала сравнивается OccurredAt (больший выигрывает)
// 2. При равных OccurredAt сравнивается OriginDeviceID (лексикографически меньший выигрывает)
// Порядок тотальный и детерминированный на всех устройствах.
func (e *ChangeEntry) Supersedes(other *ChangeEntry) bool {
	if e.OccurredAt != other.OccurredAt {
		return e.OccurredAt > other.OccurredAt
	}
	return e.OriginDeviceID < other.OriginDeviceID
}

// OrderKeyEquals сообщает, совпадает ли ключ упорядочивания (OccurredAt,
// OriginDeviceID) у двух записей. Совпадение ключа у разных изменений одной
// записи невозможно по построению и трактуется как фатальная ошибка целостности.
func (e *ChangeEntry) OrderKeyEquals(other *ChangeEntry) bool {
	return e.OccurredAt == other.OccurredAt && e.OriginDeviceID == other.OriginDeviceID
}

// Clone создает глубокую копию записи журнала
func (e *ChangeEntry) Clone() *ChangeEntry {
	payload := make([]byte, len(e.Payload))
	copy(payload, e.Payload)

	return &ChangeEntry{
		SequenceNo:     e.SequenceNo,
		RecordID:       e.RecordID,
		Operation:      e.Operation,
		Payload:        payload,
		OriginDeviceID: e.OriginDeviceID,
		OccurredAt:     e.OccurredAt,
		WallClock:      e.WallClock,
	}
}

// Changeset упорядоченный непрерывный срез журнала изменений одного origin,
// ограниченный диапазоном (FromSequence, ToSequence]. Не персистится —
// строится по требованию как представление над журналом.
type Changeset struct {
	OriginID     string        `json:"origin_id"`
	Entries      []ChangeEntry `json:"entries"`
	Digest       []byte        `json:"digest"`
	FromSequence int64         `json:"from_sequence"`
	ToSequence   int64         `json:"to_sequence"`
}

// Resolution исход разрешения конфликта
type Resolution string

const (
	// ResolutionLocalWins локальная версия осталась текущей
	ResolutionLocalWins Resolution = "local_wins"
	// ResolutionRemoteWins удаленная версия вытеснила локальную
	ResolutionRemoteWins Resolution = "remote_wins"
	// ResolutionReinsertRejected попытка переиспользовать идентификатор удаленной записи отклонена
	ResolutionReinsertRejected Resolution = "reinsert_rejected"
)

// ConflictRecord фиксирует каждый разрешенный конфликт для внешнего
// audit-коллаборатора. Проигравшее изменение остается в журнале изменений,
// вытесняется только его эффект на текущее состояние Record.
type ConflictRecord struct {
	ResolvedAt time.Time   `json:"resolved_at"`
	RecordID   string      `json:"record_id"`
	Local      ChangeEntry `json:"local_change"`
	Remote     ChangeEntry `json:"remote_change"`
	Resolution Resolution  `json:"resolution"`
}
