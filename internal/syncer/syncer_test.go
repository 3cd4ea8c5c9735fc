package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/pairsync/internal/changelog"
	changelogsqlite "github.com/iudanet/pairsync/internal/changelog/sqlite"
	"github.com/iudanet/pairsync/internal/codec"
	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/transport"
	"github.com/iudanet/pairsync/internal/truststore/boltdb"
	"github.com/iudanet/pairsync/internal/wire"
)

// memSession транспортная сессия в памяти для тестов оркестратора
type memSession struct {
	in      chan *wire.Frame
	out     chan *wire.Frame
	peer    models.PeerIdentity
	certDER []byte
}

func (s *memSession) Send(ctx context.Context, frame *wire.Frame) error {
	select {
	case s.out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memSession) Receive(ctx context.Context) (*wire.Frame, error) {
	select {
	case frame, ok := <-s.in:
		if !ok {
			return nil, transport.ErrSessionClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memSession) Peer() models.PeerIdentity { return s.peer }
func (s *memSession) Trusted() bool             { return true }
func (s *memSession) PeerCertDER() []byte       { return s.certDER }
func (s *memSession) Close() error              { return nil }

// flakySession обрывает соединение после заданного числа отправок
type flakySession struct {
	transport.Session
	mu        sync.Mutex
	remaining int
}

func (s *flakySession) Send(ctx context.Context, frame *wire.Frame) error {
	s.mu.Lock()
	s.remaining--
	dead := s.remaining < 0
	s.mu.Unlock()

	if dead {
		return transport.ErrSessionClosed
	}
	return s.Session.Send(ctx, frame)
}

type fakeDialer struct {
	sess transport.Session
}

func (d *fakeDialer) Open(ctx context.Context, peer *models.PeerIdentity, addr string) (transport.Session, error) {
	if d.sess == nil {
		return nil, transport.ErrUnreachable
	}
	return d.sess, nil
}

func (d *fakeDialer) OpenUntrusted(ctx context.Context, addr string) (transport.Session, error) {
	return d.Open(ctx, nil, addr)
}

// recordingEvents копит audit-события раунда
type recordingEvents struct {
	mu        sync.Mutex
	conflicts []models.ConflictRecord
	completed int
	failed    int
}

func (e *recordingEvents) PeerPaired(models.PeerIdentity) {}

func (e *recordingEvents) ConflictResolved(peerID string, c models.ConflictRecord) {
	e.mu.Lock()
	e.conflicts = append(e.conflicts, c)
	e.mu.Unlock()
}

func (e *recordingEvents) SyncRoundCompleted(string, int, int, int, time.Time) {
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
}

func (e *recordingEvents) SyncRoundFailed(string, error) {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}

func (e *recordingEvents) snapshot() []models.ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ConflictRecord(nil), e.conflicts...)
}

type testNode struct {
	engine  *Engine
	id      *identity.Identity
	store   changelog.Storage
	dialer  *fakeDialer
	events  *recordingEvents
	certDER []byte
}

func newTestNode(t *testing.T, name string, clock clockwork.Clock) *testNode {
	t.Helper()
	ctx := context.Background()

	id, err := identity.Generate(name)
	require.NoError(t, err)

	certDER, err := id.CertDER()
	require.NoError(t, err)

	store, err := changelogsqlite.New(ctx, filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	trust, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { trust.Close() })

	require.NoError(t, trust.SaveIdentity(ctx, id))

	cdc, err := codec.New()
	require.NoError(t, err)

	dialer := &fakeDialer{}
	events := &recordingEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testNode{
		engine:  New(id, store, trust, dialer, cdc, clock, events, logger),
		id:      id,
		store:   store,
		dialer:  dialer,
		events:  events,
		certDER: certDER,
	}
}

// pair взаимно закрепляет сертификаты двух узлов
func pair(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, a.engine.trust.SavePeer(ctx, &models.PeerIdentity{
		PeerID:      b.id.DeviceID,
		DisplayName: b.id.DisplayName,
		Fingerprint: identity.Fingerprint(b.certDER),
	}))
	require.NoError(t, b.engine.trust.SavePeer(ctx, &models.PeerIdentity{
		PeerID:      a.id.DeviceID,
		DisplayName: a.id.DisplayName,
		Fingerprint: identity.Fingerprint(a.certDER),
	}))
}

// connect строит пару перекрестных сессий между узлами
func connect(a, b *testNode) (aSide, bSide transport.Session) {
	ab := make(chan *wire.Frame, 1024)
	ba := make(chan *wire.Frame, 1024)

	aSide = &memSession{
		in:  ba,
		out: ab,
		peer: models.PeerIdentity{
			PeerID:      b.id.DeviceID,
			DisplayName: b.id.DisplayName,
			Fingerprint: identity.Fingerprint(b.certDER),
		},
		certDER: b.certDER,
	}
	bSide = &memSession{
		in:  ab,
		out: ba,
		peer: models.PeerIdentity{
			PeerID:      a.id.DeviceID,
			DisplayName: a.id.DisplayName,
			Fingerprint: identity.Fingerprint(a.certDER),
		},
		certDER: a.certDER,
	}
	return aSide, bSide
}

// syncOnce выполняет один раунд: a — инициатор, b — отвечающий
func syncOnce(t *testing.T, a, b *testNode) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aSide, bSide := connect(a, b)
	a.dialer.sess = aSide

	responderErr := make(chan error, 1)
	go func() {
		responderErr <- b.engine.ServeSession(ctx, bSide)
	}()

	err := a.engine.TriggerSync(ctx, b.id.DeviceID, "test-addr")
	if err != nil {
		cancel()
		<-responderErr
		return err
	}

	require.NoError(t, <-responderErr)
	return nil
}

func insertRecords(t *testing.T, node *testNode, n int, prefix string) []string {
	t.Helper()
	ctx := context.Background()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		recordID := uuid.NewString()
		payload := []byte(fmt.Sprintf("%s-%d", prefix, i))
		_, err := node.engine.OnLocalMutation(ctx, recordID, models.OpInsert, payload)
		require.NoError(t, err)
		ids = append(ids, recordID)
	}
	return ids
}

func recordsByID(t *testing.T, node *testNode) map[string]models.Record {
	t.Helper()

	records, err := node.store.ListRecords(context.Background())
	require.NoError(t, err)

	byID := make(map[string]models.Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	return byID
}

func TestSync_Convergence(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	insertRecords(t, a, 3, "from-a")
	insertRecords(t, b, 2, "from-b")

	require.NoError(t, syncOnce(t, a, b))

	aRecords := recordsByID(t, a)
	bRecords := recordsByID(t, b)

	require.Len(t, aRecords, 5)
	require.Len(t, bRecords, 5)

	for id, ar := range aRecords {
		br, ok := bRecords[id]
		require.True(t, ok, "record %s missing on b", id)
		assert.Equal(t, ar.Payload, br.Payload)
		assert.Equal(t, ar.OccurredAt, br.OccurredAt)
		assert.Equal(t, ar.OriginDeviceID, br.OriginDeviceID)
	}

	// Повторный раунд без новых изменений ничего не меняет
	require.NoError(t, syncOnce(t, a, b))
	assert.Len(t, recordsByID(t, a), 5)
	assert.Len(t, recordsByID(t, b), 5)
	assert.Empty(t, a.events.snapshot())
	assert.Empty(t, b.events.snapshot())

	status, err := a.engine.GetSyncStatus(context.Background(), b.id.DeviceID)
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Zero(t, status.PendingChanges)
	assert.False(t, status.LastSyncAt.IsZero())
}

// Сценарий: A создает запись, синхронизируется с B, затем оба обновляют
// её offline (B раньше, A позже). После следующего раунда на обоих
// устройствах текущей должна стать версия A (более поздняя метка), и
// каждая сторона фиксирует ровно один конфликт.
func TestSync_ConflictResolution(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))

	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	recordID := uuid.NewString()
	_, err := a.engine.OnLocalMutation(ctx, recordID, models.OpInsert, []byte("initial"))
	require.NoError(t, err)

	require.NoError(t, syncOnce(t, a, b))

	// Оба устройства offline: B правит в 10:03, A — в 10:05
	clock.Advance(3 * time.Minute)
	entryB, err := b.engine.OnLocalMutation(ctx, recordID, models.OpUpdate, []byte("edited-on-b"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	entryA, err := a.engine.OnLocalMutation(ctx, recordID, models.OpUpdate, []byte("edited-on-a"))
	require.NoError(t, err)

	require.Greater(t, entryA.OccurredAt, entryB.OccurredAt)

	require.NoError(t, syncOnce(t, a, b))

	// Побеждает более поздняя версия A — на обоих устройствах
	for _, node := range []*testNode{a, b} {
		record, err := node.store.GetRecord(ctx, recordID)
		require.NoError(t, err)
		assert.Equal(t, []byte("edited-on-a"), record.Payload)
		assert.Equal(t, entryA.OccurredAt, record.OccurredAt)
		assert.Equal(t, a.id.DeviceID, record.OriginDeviceID)
	}

	// Ровно один конфликт на каждой стороне, детерминированный исход
	aConflicts := a.events.snapshot()
	require.Len(t, aConflicts, 1)
	assert.Equal(t, models.ResolutionLocalWins, aConflicts[0].Resolution)
	assert.Equal(t, recordID, aConflicts[0].RecordID)

	bConflicts := b.events.snapshot()
	require.Len(t, bConflicts, 1)
	assert.Equal(t, models.ResolutionRemoteWins, bConflicts[0].Resolution)
	assert.Equal(t, []byte("edited-on-b"), bConflicts[0].Local.Payload)

	// Проигравшее изменение сохранено в журнале B
	entries, err := b.store.EntriesRange(ctx, b.id.DeviceID, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("edited-on-b"), entries[0].Payload)
}

// При равных метках времени обе стороны детерминированно выбирают
// версию устройства с лексикографически меньшим origin id.
func TestSync_ConflictTieBreakDeterministic(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	recordID := uuid.NewString()
	_, err := a.engine.OnLocalMutation(ctx, recordID, models.OpInsert, []byte("initial"))
	require.NoError(t, err)
	require.NoError(t, syncOnce(t, a, b))

	// Оба устройства правят запись с одинаковой меткой времени
	clock.Advance(time.Minute)
	entryA, err := a.engine.OnLocalMutation(ctx, recordID, models.OpUpdate, []byte("edited-on-a"))
	require.NoError(t, err)
	entryB, err := b.engine.OnLocalMutation(ctx, recordID, models.OpUpdate, []byte("edited-on-b"))
	require.NoError(t, err)
	require.Equal(t, entryA.OccurredAt, entryB.OccurredAt)

	want := []byte("edited-on-a")
	winner := a.id.DeviceID
	if b.id.DeviceID < a.id.DeviceID {
		want = []byte("edited-on-b")
		winner = b.id.DeviceID
	}

	require.NoError(t, syncOnce(t, a, b))

	for _, node := range []*testNode{a, b} {
		record, err := node.store.GetRecord(ctx, recordID)
		require.NoError(t, err)
		assert.Equal(t, want, record.Payload)
		assert.Equal(t, winner, record.OriginDeviceID)
	}
}

func TestSync_DeleteWinsOverEarlierUpdate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	recordID := uuid.NewString()
	_, err := a.engine.OnLocalMutation(ctx, recordID, models.OpInsert, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, syncOnce(t, a, b))

	clock.Advance(time.Minute)
	_, err = b.engine.OnLocalMutation(ctx, recordID, models.OpUpdate, []byte("v2"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = a.engine.OnLocalMutation(ctx, recordID, models.OpDelete, nil)
	require.NoError(t, err)

	require.NoError(t, syncOnce(t, a, b))

	for _, node := range []*testNode{a, b} {
		record, err := node.store.GetRecord(ctx, recordID)
		require.NoError(t, err)
		assert.True(t, record.Deleted)
	}
}

func TestSync_Resume(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	// Больше одного chunk-а, чтобы обрыв пришелся на середину передачи
	insertRecords(t, a, 600, "bulk")

	// Обрыв после нескольких кадров: hello + negotiate + первый changeset
	aSide, bSide := connect(a, b)
	a.dialer.sess = &flakySession{Session: aSide, remaining: 3}

	respCtx, cancelResp := context.WithCancel(ctx)
	responderErr := make(chan error, 1)
	go func() {
		responderErr <- b.engine.ServeSession(respCtx, bSide)
	}()

	err := a.engine.TriggerSync(ctx, b.id.DeviceID, "test-addr")
	require.Error(t, err)
	cancelResp()
	<-responderErr

	// Часть журнала уже durably применена
	applied, err := b.store.LatestSequence(ctx, a.id.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, int64(chunkSize), applied)

	// Повторный раунд досылает ровно остаток
	require.NoError(t, syncOnce(t, a, b))

	applied, err = b.store.LatestSequence(ctx, a.id.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), applied)

	assert.Len(t, recordsByID(t, b), 600)
	assert.Empty(t, b.events.snapshot())
}

func TestSync_ConcurrentRoundRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	require.True(t, a.engine.beginRound(b.id.DeviceID))
	defer a.engine.endRound(b.id.DeviceID)

	err := a.engine.TriggerSync(context.Background(), b.id.DeviceID, "test-addr")
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

// finishRoundFailStorage успешно коммитит changeset-ы, но не может
// зафиксировать завершение раунда
type finishRoundFailStorage struct {
	changelog.Storage
}

func (s *finishRoundFailStorage) FinishRound(context.Context, string, time.Time) error {
	return changelog.ErrStorageClosed
}

// Неуспех фиксации раунда после durably закоммиченных changeset-ов
// обязан дойти до audit-подписчика как неуспех раунда.
func TestSync_FinishRoundFailureAudited(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	insertRecords(t, a, 1, "x")
	a.engine.store = &finishRoundFailStorage{Storage: a.store}

	err := syncOnce(t, a, b)
	require.ErrorIs(t, err, changelog.ErrStorageClosed)

	a.events.mu.Lock()
	defer a.events.mu.Unlock()
	assert.Equal(t, 1, a.events.failed)
	assert.Zero(t, a.events.completed)
}

func TestApplyChangeset_IntegrityRejected(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	insertRecords(t, a, 2, "x")

	entries, err := a.store.EntriesRange(ctx, a.id.DeviceID, 0, 0)
	require.NoError(t, err)

	cs, err := a.engine.codec.Build(a.id.DeviceID, 0, entries)
	require.NoError(t, err)

	// Подмена payload после вычисления дайджеста
	tampered := make([]models.ChangeEntry, len(cs.Entries))
	copy(tampered, cs.Entries)
	tampered[0].Payload = []byte("tampered")

	_, bSide := connect(a, b)
	sess := bSide.(*memSession)

	pulled, conflicts, err := b.engine.applyChangeset(ctx, sess, a.id.DeviceID, &wire.Changeset{
		OriginID:     cs.OriginID,
		FromSequence: cs.FromSequence,
		ToSequence:   cs.ToSequence,
		Entries:      tampered,
		Digest:       cs.Digest,
	}, map[string]int64{a.id.DeviceID: cs.ToSequence})
	require.NoError(t, err)
	assert.Zero(t, pulled)
	assert.Zero(t, conflicts)

	// Отправителю ушел integrity-ack, журнал не тронут
	frame := <-sess.out
	require.Equal(t, wire.TypeAck, frame.Type)
	assert.Equal(t, wire.AckIntegrity, frame.Ack.Status)

	applied, err := b.store.LatestSequence(ctx, a.id.DeviceID)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestEngine_OnLocalMutation_MonotonicOccurredAt(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	node := newTestNode(t, "device-a", clock)

	// Часы стоят, но метки обязаны строго расти
	first, err := node.engine.OnLocalMutation(ctx, uuid.NewString(), models.OpInsert, []byte("a"))
	require.NoError(t, err)

	second, err := node.engine.OnLocalMutation(ctx, uuid.NewString(), models.OpInsert, []byte("b"))
	require.NoError(t, err)

	assert.Greater(t, second.OccurredAt, first.OccurredAt)
	assert.Equal(t, first.SequenceNo+1, second.SequenceNo)
}

func TestEngine_ExportImport(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)

	ids := insertRecords(t, a, 4, "exported")

	data, err := a.engine.ExportChangeset(ctx, a.id.DeviceID, 0)
	require.NoError(t, err)

	applied, err := b.engine.ImportChangeset(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 4, applied)

	for _, id := range ids {
		_, err := b.store.GetRecord(ctx, id)
		assert.NoError(t, err)
	}

	// Повторный импорт идемпотентен
	applied, err = b.engine.ImportChangeset(ctx, data)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Empty(t, b.events.snapshot())
}

func TestEngine_ExportNoChanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, "device-a", clock)

	_, err := a.engine.ExportChangeset(context.Background(), a.id.DeviceID, 0)
	assert.ErrorIs(t, err, ErrNoChanges)
}

func TestEngine_ImportGap(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)

	insertRecords(t, a, 6, "gap")

	// Экспорт с середины журнала: у получателя нет начала
	data, err := a.engine.ExportChangeset(ctx, a.id.DeviceID, 3)
	require.NoError(t, err)

	_, err = b.engine.ImportChangeset(ctx, data)
	assert.ErrorIs(t, err, changelog.ErrSequenceGap)
}

func TestMerge_ReinsertRejected(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	node := newTestNode(t, "device-a", clock)

	recordID := uuid.NewString()
	_, err := node.engine.OnLocalMutation(ctx, recordID, models.OpInsert, []byte("v1"))
	require.NoError(t, err)
	deleted, err := node.engine.OnLocalMutation(ctx, recordID, models.OpDelete, nil)
	require.NoError(t, err)

	// Попытка переиспользовать идентификатор с другой установки,
	// с более поздней меткой времени
	remote := []models.ChangeEntry{{
		SequenceNo:     1,
		RecordID:       recordID,
		Operation:      models.OpInsert,
		Payload:        []byte("reused"),
		OriginDeviceID: "ffffffffffffffff",
		OccurredAt:     deleted.OccurredAt + 1000,
		WallClock:      clock.Now(),
	}}

	plan, err := node.engine.merge(ctx, remote, map[string]int64{})
	require.NoError(t, err)

	assert.Empty(t, plan.records)
	require.Len(t, plan.conflicts, 1)
	assert.Equal(t, models.ResolutionReinsertRejected, plan.conflicts[0].Resolution)

	// Tombstone остался текущим состоянием
	record, err := node.store.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.True(t, record.Deleted)
}

func TestMerge_ResolutionAmbiguity(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	node := newTestNode(t, "device-a", clock)

	recordID := uuid.NewString()

	// Два разных изменения одной записи с одинаковым ключом
	// (occurred_at, origin) — нарушение целостности
	remote := []models.ChangeEntry{
		{
			SequenceNo:     1,
			RecordID:       recordID,
			Operation:      models.OpInsert,
			Payload:        []byte("one"),
			OriginDeviceID: "ffffffffffffffff",
			OccurredAt:     42,
		},
		{
			SequenceNo:     2,
			RecordID:       recordID,
			Operation:      models.OpUpdate,
			Payload:        []byte("two"),
			OriginDeviceID: "ffffffffffffffff",
			OccurredAt:     42,
		},
	}

	_, err := node.engine.merge(ctx, remote, map[string]int64{})
	assert.ErrorIs(t, err, ErrResolutionAmbiguity)
}

func TestSync_UnreachablePeer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, "device-a", clock)
	b := newTestNode(t, "device-b", clock)
	pair(t, a, b)

	a.dialer.sess = nil

	err := a.engine.TriggerSync(context.Background(), b.id.DeviceID, "test-addr")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrUnreachable))

	// Состояние не тронуто
	state, err := a.store.SyncState(context.Background(), b.id.DeviceID)
	require.NoError(t, err)
	assert.True(t, state.LastSyncAt.IsZero())
}
