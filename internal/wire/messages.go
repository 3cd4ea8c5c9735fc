// Package wire определяет сообщения протокола синхронизации между peer-ами.
// Все сообщения кодируются в CBOR и передаются только внутри
// аутентифицированной транспортной сессии.
package wire

import "github.com/iudanet/pairsync/internal/models"

// ProtocolVersion версия протокола синхронизации.
// Несовпадение мажорной версии приводит к отказу в handshake.
const ProtocolVersion = 1

// MessageType тип кадра протокола
type MessageType uint8

const (
	// TypeHello первый кадр сессии: подтверждение личности и версии протокола
	TypeHello MessageType = iota + 1
	// TypeNegotiate обмен позициями журналов по каждому origin
	TypeNegotiate
	// TypeChangeset передача одного changeset
	TypeChangeset
	// TypeAck подтверждение применения changeset
	TypeAck
	// TypeDone завершение передающей стороной своей фазы Transferring
	TypeDone
	// TypePairRequest запрос на pairing (PIN-proof обмен)
	TypePairRequest
	// TypePairResponse ответ на pairing
	TypePairResponse
	// TypeError терминальная ошибка протокола
	TypeError
)

// Hello первый кадр после установления TLS-сессии.
// Token — короткоживущий EdDSA JWT, подписанный закрепленным ключом peer-а:
// доказательство владения приватным ключом поверх TLS-слоя.
type Hello struct {
	Token           string `cbor:"1,keyasint"`
	DisplayName     string `cbor:"2,keyasint"`
	ProtocolVersion int    `cbor:"3,keyasint"`
}

// OriginPosition позиция журнала одного origin: последний sequence_no,
// который отправитель durably хранит для этого origin.
type OriginPosition struct {
	OriginID       string `cbor:"1,keyasint"`
	LatestSequence int64  `cbor:"2,keyasint"`
}

// Negotiate сообщение фазы Negotiating: отправитель сообщает, до какого
// места он держит журнал каждого известного ему origin. Принимающая
// сторона вычисляет минимальный набор changeset-ов для досылки.
type Negotiate struct {
	Origins []OriginPosition `cbor:"1,keyasint"`
}

// Changeset непрерывный диапазон (FromSequence, ToSequence] журнала
// одного origin плюс дайджест содержимого.
type Changeset struct {
	OriginID     string               `cbor:"1,keyasint"`
	Entries      []models.ChangeEntry `cbor:"4,keyasint"`
	Digest       []byte               `cbor:"5,keyasint"`
	FromSequence int64                `cbor:"2,keyasint"`
	ToSequence   int64                `cbor:"3,keyasint"`
}

// AckStatus статус подтверждения changeset
type AckStatus string

const (
	// AckOK changeset проверен и durably применен
	AckOK AckStatus = "ok"
	// AckGap FromSequence не совпал с курсором получателя; CursorSequence содержит актуальный курсор
	AckGap AckStatus = "gap"
	// AckIntegrity дайджест не сошелся, changeset отброшен целиком
	AckIntegrity AckStatus = "integrity"
)

// Ack подтверждение одного changeset. Отправляется только после
// полной проверки целостности и durable-коммита (§ резюмируемость).
type Ack struct {
	OriginID       string    `cbor:"1,keyasint"`
	Status         AckStatus `cbor:"3,keyasint"`
	UpToSequence   int64     `cbor:"2,keyasint"`
	CursorSequence int64     `cbor:"4,keyasint"`
}

// PairRequest первый кадр pairing-обмена: инициатор предъявляет свой
// сертификат и HMAC-доказательство знания PIN поверх транскрипта,
// связывающего отпечатки обоих сертификатов.
type PairRequest struct {
	DisplayName string `cbor:"1,keyasint"`
	Certificate []byte `cbor:"2,keyasint"` // DER
	Proof       []byte `cbor:"3,keyasint"`
}

// PairResponse ответ устройства, выпустившего PIN
type PairResponse struct {
	DisplayName string `cbor:"1,keyasint"`
	Certificate []byte `cbor:"2,keyasint"` // DER
	Proof       []byte `cbor:"3,keyasint"`
}

// Error терминальная ошибка протокола, после которой сессия закрывается
type Error struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

// Frame внешний конверт кадра. Заполнено ровно одно поле,
// соответствующее Type.
type Frame struct {
	Hello        *Hello        `cbor:"2,keyasint,omitempty"`
	Negotiate    *Negotiate    `cbor:"3,keyasint,omitempty"`
	Changeset    *Changeset    `cbor:"4,keyasint,omitempty"`
	Ack          *Ack          `cbor:"5,keyasint,omitempty"`
	PairRequest  *PairRequest  `cbor:"6,keyasint,omitempty"`
	PairResponse *PairResponse `cbor:"7,keyasint,omitempty"`
	Err          *Error        `cbor:"8,keyasint,omitempty"`
	Type         MessageType   `cbor:"1,keyasint"`
}
