// Package codec сериализует непрерывный диапазон журнала изменений в
// самоописывающую транспортабельную последовательность байт и обратно.
// Формат: детерминированный CBOR (core deterministic encoding) плюс
// BLAKE3-дайджест над каноническим кодированием упорядоченных записей.
package codec

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/iudanet/pairsync/internal/models"
)

// FormatVersion версия формата changeset. Несовпадение версии при
// декодировании приводит к ErrUnsupportedVersion.
const FormatVersion = 1

// Codec errors
var (
	// ErrIntegrity indicates a digest mismatch: the changeset is
	// discarded in full, partial application is forbidden
	ErrIntegrity = errors.New("changeset integrity check failed")

	// ErrUnsupportedVersion indicates an unknown format version tag
	ErrUnsupportedVersion = errors.New("unsupported changeset format version")

	// ErrMalformed indicates a structurally invalid changeset
	ErrMalformed = errors.New("malformed changeset")
)

// envelope сериализуемая форма changeset с тегом версии формата
type envelope struct {
	OriginID     string               `cbor:"2,keyasint"`
	Entries      []models.ChangeEntry `cbor:"5,keyasint"`
	Digest       []byte               `cbor:"6,keyasint"`
	Version      int                  `cbor:"1,keyasint"`
	FromSequence int64                `cbor:"3,keyasint"`
	ToSequence   int64                `cbor:"4,keyasint"`
}

// Codec кодирует и декодирует changeset-ы.
// Потокобезопасен: режимы кодирования иммутабельны после создания.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// New создает codec с детерминированными режимами CBOR
func New() (*Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create encode mode: %w", err)
	}

	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create decode mode: %w", err)
	}

	return &Codec{enc: enc, dec: dec}, nil
}

// Build собирает changeset из упорядоченных записей одного origin,
// начинающихся сразу после from. Проверяет непрерывность диапазона и
// вычисляет дайджест.
func (c *Codec) Build(originID string, from int64, entries []models.ChangeEntry) (*models.Changeset, error) {
	if originID == "" || len(entries) == 0 {
		return nil, ErrMalformed
	}

	next := from + 1
	for i := range entries {
		if entries[i].OriginDeviceID != originID {
			return nil, fmt.Errorf("%w: entry origin %q does not match %q", ErrMalformed, entries[i].OriginDeviceID, originID)
		}
		if entries[i].SequenceNo != next {
			return nil, fmt.Errorf("%w: expected sequence %d, got %d", ErrMalformed, next, entries[i].SequenceNo)
		}
		next++
	}

	digest, err := c.digest(entries)
	if err != nil {
		return nil, err
	}

	return &models.Changeset{
		OriginID:     originID,
		FromSequence: from,
		ToSequence:   entries[len(entries)-1].SequenceNo,
		Entries:      entries,
		Digest:       digest,
	}, nil
}

// Encode сериализует changeset в транспортабельные байты
func (c *Codec) Encode(cs *models.Changeset) ([]byte, error) {
	if cs == nil || len(cs.Entries) == 0 {
		return nil, ErrMalformed
	}

	data, err := c.enc.Marshal(envelope{
		Version:      FormatVersion,
		OriginID:     cs.OriginID,
		FromSequence: cs.FromSequence,
		ToSequence:   cs.ToSequence,
		Entries:      cs.Entries,
		Digest:       cs.Digest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode changeset: %w", err)
	}

	return data, nil
}

// Decode десериализует changeset и проверяет его целостность.
// При несовпадении дайджеста changeset отбрасывается целиком:
// частичное применение запрещено.
func (c *Codec) Decode(data []byte) (*models.Changeset, error) {
	var env envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, env.Version)
	}

	cs := &models.Changeset{
		OriginID:     env.OriginID,
		FromSequence: env.FromSequence,
		ToSequence:   env.ToSequence,
		Entries:      env.Entries,
		Digest:       env.Digest,
	}

	if err := c.Verify(cs); err != nil {
		return nil, err
	}

	return cs, nil
}

// Verify пересчитывает дайджест и проверяет структуру диапазона
func (c *Codec) Verify(cs *models.Changeset) error {
	if cs == nil || cs.OriginID == "" || len(cs.Entries) == 0 {
		return ErrMalformed
	}

	next := cs.FromSequence + 1
	for i := range cs.Entries {
		if cs.Entries[i].OriginDeviceID != cs.OriginID || cs.Entries[i].SequenceNo != next {
			return ErrMalformed
		}
		next++
	}
	if cs.ToSequence != next-1 {
		return ErrMalformed
	}

	digest, err := c.digest(cs.Entries)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(digest, cs.Digest) != 1 {
		return ErrIntegrity
	}

	return nil
}

// digest вычисляет BLAKE3-дайджест над каноническим CBOR-кодированием
// упорядоченных записей
func (c *Codec) digest(entries []models.ChangeEntry) ([]byte, error) {
	data, err := c.enc.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entries for digest: %w", err)
	}

	sum := blake3.Sum256(data)
	return sum[:], nil
}
