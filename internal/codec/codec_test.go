package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/pairsync/internal/models"
)

func testEntries(t *testing.T, origin string, from int64, count int) []models.ChangeEntry {
	t.Helper()

	entries := make([]models.ChangeEntry, 0, count)
	for i := 0; i < count; i++ {
		seq := from + int64(i) + 1
		entries = append(entries, models.ChangeEntry{
			SequenceNo:     seq,
			RecordID:       "rec-1",
			Operation:      models.OpUpdate,
			Payload:        []byte{byte(seq)},
			OriginDeviceID: origin,
			OccurredAt:     1000 + seq,
			WallClock:      time.UnixMicro(1000 + seq),
		})
	}
	return entries
}

func TestCodec_EncodeDecode(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	cs, err := c.Build("dev-A", 10, testEntries(t, "dev-A", 10, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(10), cs.FromSequence)
	assert.Equal(t, int64(13), cs.ToSequence)
	assert.Len(t, cs.Digest, 32)

	data, err := c.Encode(cs)
	require.NoError(t, err)

	decoded, err := c.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, cs.OriginID, decoded.OriginID)
	assert.Equal(t, cs.FromSequence, decoded.FromSequence)
	assert.Equal(t, cs.ToSequence, decoded.ToSequence)
	assert.Equal(t, cs.Digest, decoded.Digest)
	require.Len(t, decoded.Entries, 3)
	assert.Equal(t, cs.Entries[0].RecordID, decoded.Entries[0].RecordID)
	assert.Equal(t, cs.Entries[2].SequenceNo, decoded.Entries[2].SequenceNo)
}

// Changeset с испорченным байтом должен быть отвергнут целиком
func TestCodec_Decode_TamperedPayload(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	cs, err := c.Build("dev-A", 0, testEntries(t, "dev-A", 0, 2))
	require.NoError(t, err)

	// Подменяем payload после вычисления дайджеста
	cs.Entries[1].Payload = []byte{0xFF}

	data, err := c.Encode(cs)
	require.NoError(t, err)

	decoded, err := c.Decode(data)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Nil(t, decoded)
}

func TestCodec_Decode_TamperedDigest(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	cs, err := c.Build("dev-A", 0, testEntries(t, "dev-A", 0, 2))
	require.NoError(t, err)

	cs.Digest[0] ^= 0x01

	data, err := c.Encode(cs)
	require.NoError(t, err)

	_, err = c.Decode(data)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestCodec_Build_Validation(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	tests := []struct {
		name    string
		origin  string
		from    int64
		entries []models.ChangeEntry
	}{
		{
			name:    "empty entries",
			origin:  "dev-A",
			from:    0,
			entries: nil,
		},
		{
			name:   "sequence hole",
			origin: "dev-A",
			from:   0,
			entries: []models.ChangeEntry{
				{SequenceNo: 1, RecordID: "r", OriginDeviceID: "dev-A", Operation: models.OpInsert, OccurredAt: 1},
				{SequenceNo: 3, RecordID: "r", OriginDeviceID: "dev-A", Operation: models.OpUpdate, OccurredAt: 2},
			},
		},
		{
			name:   "foreign origin entry",
			origin: "dev-A",
			from:   0,
			entries: []models.ChangeEntry{
				{SequenceNo: 1, RecordID: "r", OriginDeviceID: "dev-B", Operation: models.OpInsert, OccurredAt: 1},
			},
		},
		{
			name:   "wrong starting sequence",
			origin: "dev-A",
			from:   5,
			entries: []models.ChangeEntry{
				{SequenceNo: 1, RecordID: "r", OriginDeviceID: "dev-A", Operation: models.OpInsert, OccurredAt: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Build(tt.origin, tt.from, tt.entries)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestCodec_Decode_UnsupportedVersion(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	cs, err := c.Build("dev-A", 0, testEntries(t, "dev-A", 0, 1))
	require.NoError(t, err)

	data, err := c.enc.Marshal(envelope{
		Version:      99,
		OriginID:     cs.OriginID,
		FromSequence: cs.FromSequence,
		ToSequence:   cs.ToSequence,
		Entries:      cs.Entries,
		Digest:       cs.Digest,
	})
	require.NoError(t, err)

	_, err = c.Decode(data)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

// Кодирование детерминировано: одинаковый вход дает одинаковые байты
func TestCodec_Encode_Deterministic(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	cs, err := c.Build("dev-A", 0, testEntries(t, "dev-A", 0, 3))
	require.NoError(t, err)

	first, err := c.Encode(cs)
	require.NoError(t, err)

	second, err := c.Encode(cs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
