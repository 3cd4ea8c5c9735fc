// Package records реализует эталонного record-коллаборатора поверх
// движка синхронизации: наблюдения (observations) как доменные записи
// с opaque CBOR-payload. Все локальные мутации проходят через единый
// write path движка, поэтому каждая попадает в журнал изменений.
package records

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/iudanet/pairsync/internal/changelog"
	"github.com/iudanet/pairsync/internal/models"
)

// Mutator локальный write path движка синхронизации
type Mutator interface {
	OnLocalMutation(ctx context.Context, recordID string, op models.Operation, payload []byte) (*models.ChangeEntry, error)
}

// Observation доменное содержимое одной записи
type Observation struct {
	ID    string   `cbor:"-" json:"id"`
	Title string   `cbor:"1,keyasint" json:"title"`
	Body  string   `cbor:"2,keyasint" json:"body"`
	Tags  []string `cbor:"3,keyasint,omitempty" json:"tags,omitempty"`

	UpdatedAt time.Time `cbor:"-" json:"updated_at"`
}

// Service CRUD над наблюдениями поверх движка и текущего состояния записей
type Service struct {
	mutator Mutator
	store   changelog.RecordStorage
}

// New creates a new observation service
func New(mutator Mutator, store changelog.RecordStorage) *Service {
	return &Service{mutator: mutator, store: store}
}

// Create создает наблюдение с новым глобально стабильным идентификатором
func (s *Service) Create(ctx context.Context, obs *Observation) (*Observation, error) {
	if obs == nil || obs.Title == "" {
		return nil, fmt.Errorf("%w: title is required", changelog.ErrInvalidEntry)
	}

	obs.ID = uuid.NewString()

	payload, err := cbor.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode observation: %w", err)
	}

	entry, err := s.mutator.OnLocalMutation(ctx, obs.ID, models.OpInsert, payload)
	if err != nil {
		return nil, err
	}

	obs.UpdatedAt = entry.WallClock
	return obs, nil
}

// Update заменяет содержимое существующего наблюдения
func (s *Service) Update(ctx context.Context, obs *Observation) error {
	if obs == nil || obs.ID == "" || obs.Title == "" {
		return fmt.Errorf("%w: id and title are required", changelog.ErrInvalidEntry)
	}

	payload, err := cbor.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to encode observation: %w", err)
	}

	entry, err := s.mutator.OnLocalMutation(ctx, obs.ID, models.OpUpdate, payload)
	if err != nil {
		return err
	}

	obs.UpdatedAt = entry.WallClock
	return nil
}

// Delete оставляет tombstone: идентификатор больше не переиспользуется
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return changelog.ErrInvalidEntry
	}

	_, err := s.mutator.OnLocalMutation(ctx, id, models.OpDelete, nil)
	return err
}

// Get возвращает наблюдение по идентификатору
func (s *Service) Get(ctx context.Context, id string) (*Observation, error) {
	record, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Deleted {
		return nil, changelog.ErrRecordNotFound
	}
	return decodeObservation(record)
}

// List возвращает все не удаленные наблюдения
func (s *Service) List(ctx context.Context) ([]Observation, error) {
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}

	observations := make([]Observation, 0, len(records))
	for i := range records {
		obs, err := decodeObservation(&records[i])
		if err != nil {
			return nil, err
		}
		observations = append(observations, *obs)
	}
	return observations, nil
}

func decodeObservation(record *models.Record) (*Observation, error) {
	var obs Observation
	if err := cbor.Unmarshal(record.Payload, &obs); err != nil {
		return nil, fmt.Errorf("failed to decode observation %s: %w", record.ID, err)
	}
	obs.ID = record.ID
	obs.UpdatedAt = record.UpdatedAt
	return &obs, nil
}
