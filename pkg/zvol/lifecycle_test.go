package zvol

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/zvol/pkg/events"
	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/cuemby/zvol/pkg/storage"
	"github.com/cuemby/zvol/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResizeProviderFirstSizeIsSilent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	sub := f.broker.Subscribe()

	require.NoError(t, f.reg.SetVolsize("tank/a", 2<<20))
	require.NoError(t, f.reg.SetVolsize("tank/a", 3<<20))

	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventVolumeResized, ev.Type)
	assert.Equal(t, "2097152", ev.Metadata["old_size"])
	assert.Equal(t, "3145728", ev.Metadata["size"])
	assert.Equal(t, uint64(3<<20), f.info("tank/a").VolSize)
}

func TestResizeOpenProvider(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()
	sub := f.broker.Subscribe()

	require.NoError(t, f.reg.SetVolsize("tank/a", 2<<20))
	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventVolumeResized, ev.Type)

	size, err := h.MediaSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), size)

	_, err = h.WriteAt(pattern(512, 1), 2<<20-512)
	require.NoError(t, err)
}

func TestResizeCharDevPublishesAttrib(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	sub := f.broker.Subscribe()

	require.NoError(t, f.reg.SetVolsize("tank/a", 2<<20))
	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventVolumeAttrib, ev.Type)
}

func TestResizeShrinkFreesTail(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	_, err := h.WriteAt(pattern(8192, 1), testVolsize-8192)
	require.NoError(t, err)

	require.NoError(t, f.reg.SetVolsize("tank/a", testVolsize-4096))
	_, err = h.ReadAt(make([]byte, 512), testVolsize)
	assert.ErrorIs(t, err, ErrIO)

	require.NoError(t, f.reg.SetVolsize("tank/a", testVolsize))
	got := make([]byte, 4096)
	_, err = h.ReadAt(got, testVolsize-4096)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), got)
}

func TestResizeErrors(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))

	assert.ErrorIs(t, f.reg.SetVolsize("tank/a", 0), ErrInvalidArgument)
	assert.ErrorIs(t, f.reg.SetVolsize("tank/a", 1000), ErrInvalidArgument)
	assert.ErrorIs(t, f.reg.SetVolsize("tank/missing", 4096), ErrNoSuchDevice)

	props := testProps(types.VolModeDev)
	props.ReadOnly = true
	f.create("tank/ro", props)
	assert.ErrorIs(t, f.reg.SetVolsize("tank/ro", 2<<20), ErrReadOnly)
}

func TestRenameProviderKeepsHandles(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()
	sub := f.broker.Subscribe()

	require.NoError(t, f.reg.Rename(context.Background(), "tank/a", "tank/b"))

	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventVolumeRenamed, ev.Type)
	assert.Equal(t, "tank/b", ev.Volume)
	assert.Equal(t, "tank/a", ev.Metadata["from"])

	_, err := f.reg.Lookup("tank/a")
	assert.ErrorIs(t, err, ErrNoSuchDevice)
	info := f.info("tank/b")
	assert.Equal(t, "zvol/tank/b", info.Path)
	assert.Equal(t, 1, info.OpenCount)

	_, err = h.WriteAt(pattern(512, 1), 0)
	require.NoError(t, err)
	path, err := h.Path()
	require.NoError(t, err)
	assert.Equal(t, "zvol/tank/b", path)

	ds, err := f.pool.GetDataset("tank/b")
	require.NoError(t, err)
	assert.Equal(t, "tank/b", ds.Name)
}

func TestRenameCharDevRevokesHandles(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)

	data := pattern(4096, 3)
	_, err := h.WriteAt(data, 0)
	require.NoError(t, err)

	sub := f.broker.Subscribe()
	require.NoError(t, f.reg.Rename(context.Background(), "tank/a", "tank/b"))

	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventVolumeGone, ev.Type)
	assert.Equal(t, "tank/a", ev.Volume)
	assert.Equal(t, "1", ev.Metadata["handles"])
	ev = nextEvent(t, sub)
	assert.Equal(t, events.EventVolumeRenamed, ev.Type)

	_, err = h.ReadAt(make([]byte, 512), 0)
	assert.ErrorIs(t, err, ErrNoSuchDevice)
	assert.ErrorIs(t, h.Close(), ErrNoSuchDevice)

	info := f.info("tank/b")
	assert.Zero(t, info.OpenCount)
	assert.Equal(t, "zvol/tank/b", info.Path)

	// Data written before the rename was synced by the forced close
	h2 := f.open("tank/b", ORead)
	defer h2.Close()
	got := make([]byte, 4096)
	_, err = h2.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRenameErrors(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	f.create("tank/b", testProps(types.VolModeProvider))
	ctx := context.Background()

	assert.ErrorIs(t, f.reg.Rename(ctx, "tank/a", "tank/b"), ErrAlreadyExists)
	assert.ErrorIs(t, f.reg.Rename(ctx, "tank/missing", "tank/c"), ErrNoSuchDevice)

	f.info("tank/a")
	f.info("tank/b")
}

func TestRenameCancelledRestoresDataset(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead)
	defer h.Close()

	// A suspended volume cannot have its handles revoked
	resume, err := f.reg.Suspend("tank/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, f.reg.Rename(ctx, "tank/a", "tank/c"))
	require.NoError(t, resume())

	_, err = f.pool.GetDataset("tank/a")
	require.NoError(t, err)
	_, err = f.pool.GetDataset("tank/c")
	assert.Error(t, err)

	assert.Equal(t, 1, f.info("tank/a").OpenCount)
	_, err = f.reg.Lookup("tank/c")
	assert.ErrorIs(t, err, ErrNoSuchDevice)

	// With the volume resumed the rename goes through
	require.NoError(t, f.reg.Rename(context.Background(), "tank/a", "tank/c"))
	_, err = f.pool.GetDataset("tank/c")
	require.NoError(t, err)
}

func TestRemoveWaitsForClose(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead)
	ctx := context.Background()
	sub := f.broker.Subscribe()

	done := make(chan error, 1)
	go func() { done <- f.reg.Remove(ctx, "tank/a") }()

	require.Eventually(t, func() bool {
		info, err := f.reg.Lookup("tank/a")
		return err == nil && info.Removing
	}, time.Second, 5*time.Millisecond)

	_, err := f.reg.Open(ctx, "tank/a", ORead)
	assert.ErrorIs(t, err, ErrNoSuchDevice)
	_, err = h.ReadAt(make([]byte, 512), 0)
	assert.ErrorIs(t, err, ErrNoSuchDevice)

	select {
	case err := <-done:
		t.Fatalf("remove finished with the volume open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("remove did not finish after close")
	}

	_, err = f.reg.Lookup("tank/a")
	assert.ErrorIs(t, err, ErrNoSuchDevice)
	ev := nextEvent(t, sub)
	assert.Equal(t, events.EventVolumeRemoved, ev.Type)
}

func TestRemoveCancelled(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := f.reg.Remove(ctx, "tank/a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, f.info("tank/a").Removing)

	require.NoError(t, h.Close())
	require.NoError(t, f.reg.Remove(context.Background(), "tank/a"))
	assert.Zero(t, f.reg.Minors())
}

func TestRemoveDrainTimeoutKeepsWaiting(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 10 * time.Millisecond
	f := newFixture(t, cfg)
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead)

	done := make(chan error, 1)
	go func() {
		done <- f.reg.Remove(context.Background(), "tank/a")
	}()

	require.Eventually(t, func() bool {
		c, ok := metrics.Component("registry")
		return ok && c.State == metrics.StateDegraded
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Close())
	require.NoError(t, <-done)

	c, _ := metrics.Component("registry")
	assert.Equal(t, metrics.StateHealthy, c.State)
}

func TestReplayAfterCrash(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)

	syncData := pattern(4096, 1)
	asyncData := pattern(4096, 2)
	_, err := h.WriteAt(asyncData, 0)
	require.NoError(t, err)
	require.NoError(t, h.Flush())

	s := f.open("tank/a", ORead|OWrite|OSync)
	_, err = s.WriteAt(syncData, 8192)
	require.NoError(t, err)

	// Crash: nothing reached the pool, only the log
	require.NoError(t, f.pool.Abandon())
	require.NoError(t, s.Close())
	require.NoError(t, h.Close())
	require.NoError(t, f.reg.Close(context.Background()))

	pool, err := storage.Open(f.dir, storage.Config{SyncInterval: time.Hour})
	require.NoError(t, err)
	f.pool = pool
	f.reg = NewRegistry(pool, f.broker, testConfig())
	require.NoError(t, f.reg.CreateMinor("tank/a"))

	r := f.open("tank/a", ORead)
	defer r.Close()
	got := make([]byte, 4096)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, asyncData, got)
	_, err = r.ReadAt(got, 8192)
	require.NoError(t, err)
	assert.Equal(t, syncData, got)
}

func TestReplayDisabled(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite|OSync)
	_, err := h.WriteAt(pattern(4096, 1), 0)
	require.NoError(t, err)

	require.NoError(t, f.pool.Abandon())
	require.NoError(t, h.Close())
	require.NoError(t, f.reg.Close(context.Background()))

	pool, err := storage.Open(f.dir, storage.Config{SyncInterval: time.Hour})
	require.NoError(t, err)
	f.pool = pool
	cfg := testConfig()
	cfg.ReplayDisable = true
	f.reg = NewRegistry(pool, f.broker, cfg)
	require.NoError(t, f.reg.CreateMinor("tank/a"))

	r := f.open("tank/a", ORead)
	defer r.Close()
	got := make([]byte, 4096)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4096), got)
}

func TestLastCloseSyncsWrites(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)

	before := f.pool.SyncedTxg()
	_, err := h.WriteAt(pattern(4096, 1), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Greater(t, f.pool.SyncedTxg(), before)
}

func TestSetReadOnly(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	require.NoError(t, f.reg.SetReadOnly("tank/a", true))
	_, err := h.WriteAt(pattern(512, 1), 0)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, h.Do(&Bio{Op: BioWrite, Length: 512, Data: pattern(512, 1)}), ErrReadOnly)

	require.NoError(t, f.reg.SetReadOnly("tank/a", false))
	_, err = h.WriteAt(pattern(512, 1), 0)
	require.NoError(t, err)
}

func TestSuspendBlocksIO(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	data := pattern(4096, 6)
	_, err := h.WriteAt(data, 0)
	require.NoError(t, err)

	resume, err := f.reg.Suspend("tank/a")
	require.NoError(t, err)

	done := make(chan error, 1)
	got := make([]byte, 4096)
	go func() {
		_, err := h.ReadAt(got, 0)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("read finished while suspended: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, resume())
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Equal(t, data, got)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not resume")
	}
	assert.Error(t, resume())
}

func TestOpenForWriteWhileSuspended(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	resume, err := f.reg.Suspend("tank/a")
	require.NoError(t, err)

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h2, err := f.reg.Open(context.Background(), "tank/a", ORead|OWrite)
		done <- result{h2, err}
	}()

	select {
	case res := <-done:
		t.Fatalf("open finished while suspended: %v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, resume())
	var h2 *Handle
	select {
	case res := <-done:
		require.NoError(t, res.err)
		h2 = res.h
	case <-time.After(2 * time.Second):
		t.Fatal("open did not resume")
	}
	defer h2.Close()

	data := pattern(4096, 11)
	_, err = h2.WriteAt(data, 0)
	require.NoError(t, err)
	got := make([]byte, 4096)
	_, err = h.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 2, f.info("tank/a").OpenCount)
}
