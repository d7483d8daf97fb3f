package eviction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/layer"
	"github.com/cuemby/strata/pkg/layerobj"
	"github.com/cuemby/strata/pkg/layermap"
	"github.com/cuemby/strata/pkg/types"
)

func residentDesc(t *testing.T, dir, name string) layermap.Desc {
	t.Helper()
	w := layer.NewImageWriter(types.TenantId{}, types.TimelineId{}, types.KeyRange{Start: types.MinKey, End: types.MaxKey}, 1)
	require.NoError(t, w.PutImage(types.MinKey, []byte("x")))
	path := dir + "/" + name
	_, err := w.Finish(path)
	require.NoError(t, err)
	r, err := layer.Open(path)
	require.NoError(t, err)
	h := layerobj.NewResidentHandle(name, path, r)
	return layermap.Desc{
		KeyRange: types.KeyRange{Start: types.MinKey, End: types.MaxKey},
		LsnStart: 1, LsnEnd: 1, IsDelta: false, Handle: h,
	}
}

func TestRunIterationSkipsRecentlyAccessedLayers(t *testing.T) {
	dir := t.TempDir()
	desc := residentDesc(t, dir, "recent")
	desc.Handle.RecordAccess()

	m := layermap.New()
	m.Insert(desc)

	var removed []string
	task := NewTask(m, Policy{Period: time.Hour, Threshold: time.Hour, Parallel: 2}, func(path string) error {
		removed = append(removed, path)
		return nil
	})

	stats := task.RunIteration(context.Background())
	require.Equal(t, 0, stats.Candidates)
	require.Empty(t, removed)
	require.Equal(t, layerobj.Resident, desc.Handle.Status())
}

func TestRunIterationEvictsIdleLayers(t *testing.T) {
	dir := t.TempDir()
	desc := residentDesc(t, dir, "idle")
	// Never accessed: eligible immediately.

	m := layermap.New()
	m.Insert(desc)

	var removed []string
	task := NewTask(m, Policy{Period: time.Hour, Threshold: time.Millisecond, Parallel: 2}, func(path string) error {
		removed = append(removed, path)
		return nil
	})

	stats := task.RunIteration(context.Background())
	require.Equal(t, 1, stats.Candidates)
	require.Equal(t, 1, stats.Evicted)
	require.Equal(t, []string{dir + "/idle"}, removed)
	require.Equal(t, layerobj.Evicted, desc.Handle.Status())
}

func TestRunIterationSkipsAlreadyEvictedLayers(t *testing.T) {
	h := layerobj.NewHandle("remote-key", "/nonexistent")
	m := layermap.New()
	m.Insert(layermap.Desc{
		KeyRange: types.KeyRange{Start: types.MinKey, End: types.MaxKey},
		LsnStart: 1, LsnEnd: 1, IsDelta: false, Handle: h,
	})

	task := NewTask(m, Policy{Period: time.Hour, Threshold: 0, Parallel: 2}, func(path string) error {
		t.Fatalf("remove should not be called for an already-evicted layer")
		return nil
	})

	stats := task.RunIteration(context.Background())
	require.Equal(t, 0, stats.Candidates)
}
