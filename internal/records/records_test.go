package records

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/pairsync/internal/changelog"
	"github.com/iudanet/pairsync/internal/changelog/sqlite"
	"github.com/iudanet/pairsync/internal/models"
)

// storeMutator минимальный write path поверх журнала для тестов
type storeMutator struct {
	store      changelog.Storage
	originID   string
	occurredAt int64
}

func (m *storeMutator) OnLocalMutation(ctx context.Context, recordID string, op models.Operation, payload []byte) (*models.ChangeEntry, error) {
	m.occurredAt++
	return m.store.AppendLocal(ctx, &models.ChangeEntry{
		RecordID:       recordID,
		Operation:      op,
		Payload:        payload,
		OriginDeviceID: m.originID,
		OccurredAt:     m.occurredAt,
		WallClock:      time.Now(),
	})
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return New(&storeMutator{store: store, originID: "aabbccddeeff0011"}, store)
}

func TestService_CreateGet(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	created, err := svc.Create(ctx, &Observation{
		Title: "router config",
		Body:  "static route via 10.0.0.1",
		Tags:  []string{"network"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "router config", got.Title)
	assert.Equal(t, "static route via 10.0.0.1", got.Body)
	assert.Equal(t, []string{"network"}, got.Tags)
}

func TestService_CreateValidation(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(context.Background(), &Observation{Body: "no title"})
	assert.ErrorIs(t, err, changelog.ErrInvalidEntry)

	_, err = svc.Create(context.Background(), nil)
	assert.ErrorIs(t, err, changelog.ErrInvalidEntry)
}

func TestService_UpdateList(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	created, err := svc.Create(ctx, &Observation{Title: "draft", Body: "v1"})
	require.NoError(t, err)

	created.Body = "v2"
	require.NoError(t, svc.Update(ctx, created))

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "v2", list[0].Body)
}

func TestService_DeleteIsTombstone(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	created, err := svc.Create(ctx, &Observation{Title: "temp", Body: "x"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.ID))

	_, err = svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, changelog.ErrRecordNotFound)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Идентификатор терминально занят: повторный insert отклоняется
	err = svc.Update(ctx, created)
	assert.Error(t, err)
}
