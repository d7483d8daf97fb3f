package walredo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/types"
)

type fakeApplier struct {
	calls  int
	closed bool
}

func (f *fakeApplier) Apply(ctx context.Context, key types.Key, baseImg []byte, baseLsn types.Lsn, records [][]byte, endLsn types.Lsn, pgVersion uint32) ([]byte, error) {
	f.calls++
	out := append([]byte(nil), baseImg...)
	for _, r := range records {
		out = append(out, r...)
	}
	return out, nil
}

func (f *fakeApplier) Close() error {
	f.closed = true
	return nil
}

func testKey(n byte) types.Key {
	var k types.Key
	k[len(k)-1] = n
	return k
}

func TestRequestRedoBatchesConsecutiveNeonRecords(t *testing.T) {
	fake := &fakeApplier{}
	m := NewManager(func() (PostgresApplier, error) { return fake, nil })

	records := []Record{
		{Lsn: 1, Neon: ClearVisibilityMapFlags{Offset: 0, Mask: 0x01}},
		{Lsn: 2, Neon: ClearVisibilityMapFlags{Offset: 0, Mask: 0x02}},
		{Lsn: 3, Postgres: []byte("pg-record")},
	}
	base := []byte{0xff, 0x00}

	out, err := m.RequestRedo(context.Background(), testKey(1), 3, base, 0, records, 160000)
	require.NoError(t, err)

	require.Equal(t, 1, fake.calls)
	require.Equal(t, byte(0xff&^0x01&^0x02), out[0])
	require.Contains(t, string(out), "pg-record")
}

func TestRequestRedoRejectsEmptyRecords(t *testing.T) {
	m := NewManager(func() (PostgresApplier, error) { return &fakeApplier{}, nil })
	_, err := m.RequestRedo(context.Background(), testKey(1), 1, nil, 0, nil, 160000)
	require.Error(t, err)
}

func TestMaybeQuiesceClosesIdleProcess(t *testing.T) {
	fake := &fakeApplier{}
	m := NewManager(func() (PostgresApplier, error) { return fake, nil })

	records := []Record{{Lsn: 1, Postgres: []byte("x")}}
	_, err := m.RequestRedo(context.Background(), testKey(1), 1, []byte{0}, 0, records, 160000)
	require.NoError(t, err)

	m.MaybeQuiesce(time.Hour)
	require.False(t, fake.closed, "process should still be warm")

	m.lastRedoAt = time.Now().Add(-time.Hour * 2)
	m.MaybeQuiesce(time.Hour)
	require.True(t, fake.closed)
}

func TestClearVisibilityMapFlagsClearsBits(t *testing.T) {
	op := ClearVisibilityMapFlags{Offset: 1, Mask: 0x03}
	out, err := op.Apply([]byte{0xff, 0xff, 0xff})
	require.NoError(t, err)
	require.Equal(t, byte(0xfc), out[1])
	require.Equal(t, byte(0xff), out[0])
}

func TestClearVisibilityMapFlagsRejectsOutOfRangeOffset(t *testing.T) {
	op := ClearVisibilityMapFlags{Offset: 5, Mask: 0x01}
	_, err := op.Apply([]byte{0x00})
	require.Error(t, err)
}

func TestZeroPageReturnsAllZeros(t *testing.T) {
	op := ZeroPage{Size: 8192}
	out, err := op.Apply([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, out, 8192)
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}
