package zvol

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/zvol/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func TestReadWriteAt(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	data := pattern(10000, 1)
	n, err := h.WriteAt(data, 1234)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = h.ReadAt(got, 1234)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	// Unwritten space reads as zeros
	zeros := make([]byte, 512)
	_, err = h.ReadAt(zeros, 512*1024)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 512), zeros)

	assert.True(t, f.info("tank/a").WrittenTo)
}

func TestReadWriteChunked(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTransfer = 4096
	f := newFixture(t, cfg)
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	data := pattern(5*4096+100, 7)
	n, err := h.WriteAt(data, 300)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	_, err = h.ReadAt(got, 300)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReadAtEnd(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead)
	defer h.Close()

	buf := make([]byte, 1024)
	n, err := h.ReadAt(buf, testVolsize)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = h.ReadAt(buf, testVolsize-512)
	assert.Equal(t, 512, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = h.ReadAt(buf, testVolsize+512)
	assert.ErrorIs(t, err, ErrIO)

	_, err = h.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrIO)
}

func TestWriteAtEnd(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	n, err := h.WriteAt(pattern(1024, 3), testVolsize-512)
	assert.Equal(t, 512, n)
	assert.ErrorIs(t, err, ErrIO)

	_, err = h.WriteAt(pattern(512, 3), testVolsize+512)
	assert.ErrorIs(t, err, ErrIO)
}

func TestWriteThroughReadHandle(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	w := f.open("tank/a", ORead|OWrite)
	defer w.Close()
	r := f.open("tank/a", ORead)
	defer r.Close()

	_, err := r.WriteAt(pattern(512, 1), 0)
	assert.ErrorIs(t, err, ErrReadOnly)

	err = r.Do(&Bio{Op: BioWrite, Length: 512, Data: pattern(512, 1)})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestBioSync(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	data := pattern(8192, 9)
	w := &Bio{Op: BioWrite, Offset: 4096, Length: 8192, Data: data, Sync: true}
	require.NoError(t, h.Do(w))
	assert.Equal(t, uint64(8192), w.Completed)

	r := &Bio{Op: BioRead, Offset: 4096, Length: 8192, Data: make([]byte, 8192)}
	require.NoError(t, h.Do(r))
	assert.Equal(t, data, r.Data)

	require.NoError(t, h.Do(&Bio{Op: BioFlush}))
}

func TestBioAsync(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	done := make(chan *Bio, 1)
	data := pattern(4096, 5)
	h.Submit(&Bio{Op: BioWrite, Offset: 0, Length: 4096, Data: data, CPU: 1,
		Done: func(b *Bio) { done <- b }})

	select {
	case b := <-done:
		require.NoError(t, b.Err)
		assert.Equal(t, uint64(4096), b.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not complete")
	}

	h.Submit(&Bio{Op: BioRead, Offset: 0, Length: 4096, Data: make([]byte, 4096),
		Done: func(b *Bio) { done <- b }})
	select {
	case b := <-done:
		require.NoError(t, b.Err)
		assert.Equal(t, data, b.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not complete")
	}
}

func TestBioRequestSync(t *testing.T) {
	cfg := testConfig()
	cfg.RequestSync = true
	f := newFixture(t, cfg)
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	completed := false
	h.Submit(&Bio{Op: BioWrite, Length: 512, Data: pattern(512, 1),
		Done: func(b *Bio) { completed = b.Err == nil }})
	assert.True(t, completed)
}

func TestCloseWaitsForInflight(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)

	var completed atomic.Int32
	const n = 64
	for i := range n {
		off := uint64(i) * 4096
		h.Submit(&Bio{Op: BioWrite, Offset: off, Length: 4096, Data: pattern(4096, byte(i)), CPU: i % 4,
			Done: func(b *Bio) {
				if b.Err == nil {
					completed.Add(1)
				}
			}})
	}
	require.NoError(t, h.Close())
	assert.Equal(t, int32(n), completed.Load())
}

func TestSubmitRacingClose(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)

	var closed, late, submitted, finished atomic.Int32
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				var failed atomic.Bool
				submitted.Add(1)
				h.Submit(&Bio{Op: BioWrite, Offset: uint64(i%64) * 4096, Length: 4096,
					Data: pattern(4096, byte(w)), CPU: w,
					Done: func(b *Bio) {
						if b.Err != nil {
							failed.Store(true)
						} else if closed.Load() != 0 {
							late.Add(1)
						}
						finished.Add(1)
					}})
				if failed.Load() {
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.Close())
	closed.Store(1)
	wg.Wait()

	require.Eventually(t, func() bool { return finished.Load() == submitted.Load() },
		2*time.Second, 5*time.Millisecond)
	assert.Zero(t, late.Load(), "request completed after Close returned")
}

func TestBioBounds(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	err := h.Do(&Bio{Op: BioRead, Offset: testVolsize, Length: 512, Data: make([]byte, 512)})
	assert.ErrorIs(t, err, ErrIO)

	b := &Bio{Op: BioRead, Offset: testVolsize - 512, Length: 1024, Data: make([]byte, 1024)}
	require.NoError(t, h.Do(b))
	assert.Equal(t, uint64(512), b.Completed)

	// A write crossing the end stores only the part inside the volume
	tail := pattern(1024, 9)
	b = &Bio{Op: BioWrite, Offset: testVolsize - 512, Length: 1024, Data: tail}
	require.NoError(t, h.Do(b))
	assert.Equal(t, uint64(512), b.Completed)
	got := make([]byte, 512)
	_, err = h.ReadAt(got, int64(testVolsize-512))
	require.NoError(t, err)
	assert.Equal(t, tail[:512], got)

	err = h.Do(&Bio{Op: BioRead, Length: 1024, Data: make([]byte, 512)})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = h.Do(&Bio{Op: BioOp(42)})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestBioValidationCompletesSynchronously(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	var got error
	h.Submit(&Bio{Op: BioDelete, Offset: 100, Length: 512, Done: func(b *Bio) { got = b.Err }})
	assert.ErrorIs(t, got, ErrInvalidArgument)

	got = nil
	h.Submit(&Bio{Op: BioDelete, Offset: 0, Length: 0, Done: func(b *Bio) { got = b.Err }})
	assert.ErrorIs(t, got, ErrInvalidArgument)
}

func TestDeleteFreesRange(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	_, err := h.WriteAt(pattern(3*4096, 2), 0)
	require.NoError(t, err)

	b := &Bio{Op: BioDelete, Offset: 4096, Length: 4096}
	require.NoError(t, h.Do(b))
	assert.Equal(t, uint64(4096), b.Completed)

	got := make([]byte, 3*4096)
	_, err = h.ReadAt(got, 0)
	require.NoError(t, err)
	want := pattern(3*4096, 2)
	copy(want[4096:8192], make([]byte, 4096))
	assert.Equal(t, want, got)
}

func TestDeleteIoctl(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	_, err := h.WriteAt(pattern(4096, 4), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, h.Delete(1, 512), ErrInvalidArgument)
	assert.ErrorIs(t, h.Delete(0, 100), ErrInvalidArgument)
	assert.ErrorIs(t, h.Delete(0, 0), ErrInvalidArgument)
	assert.ErrorIs(t, h.Delete(testVolsize, 512), ErrInvalidArgument)

	require.NoError(t, h.Delete(512, 1024))
	got := make([]byte, 4096)
	_, err = h.ReadAt(got, 0)
	require.NoError(t, err)
	want := pattern(4096, 4)
	copy(want[512:1536], make([]byte, 1024))
	assert.Equal(t, want, got)
}

func TestDeleteUnmapDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.UnmapEnabled = false
	f := newFixture(t, cfg)
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	data := pattern(4096, 4)
	_, err := h.WriteAt(data, 0)
	require.NoError(t, err)

	// Misaligned requests are not even checked
	require.NoError(t, h.Delete(1, 1))
	require.NoError(t, h.Delete(0, 4096))

	got := make([]byte, 4096)
	_, err = h.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGeometry(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead)
	defer h.Close()

	assert.Equal(t, uint32(512), h.SectorSize())
	size, err := h.MediaSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(testVolsize), size)
	stripe, err := h.StripeSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(testBlockSize), stripe)
	assert.Zero(t, h.StripeOffset())

	path, err := h.Path()
	require.NoError(t, err)
	assert.Equal(t, "zvol/tank/a", path)
}

func TestSeekDataAndHole(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeDev))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	_, err := h.WriteAt(pattern(4096, 1), 8192)
	require.NoError(t, err)

	off, err := h.SeekData(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), off)

	off, err = h.SeekHole(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)

	off, err = h.SeekHole(8192)
	require.NoError(t, err)
	assert.Equal(t, uint64(12288), off)

	_, err = h.SeekData(12288)
	assert.ErrorIs(t, err, ErrNoSuchDevice)
}

func TestAttributes(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	_, err := h.WriteAt(pattern(4096, 1), 0)
	require.NoError(t, err)
	require.NoError(t, f.pool.Sync())

	v, err := h.Attr(AttrCanDelete)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	used, err := h.Attr(AttrBlocksUsed)
	require.NoError(t, err)
	assert.Equal(t, int64(4096/512), used)

	poolUsed, err := h.Attr(AttrPoolBlocksUsed)
	require.NoError(t, err)
	assert.Equal(t, int64(4096/512), poolUsed)

	avail, err := h.Attr(AttrBlocksAvail)
	require.NoError(t, err)
	poolAvail, err := h.Attr(AttrPoolBlocksAvail)
	require.NoError(t, err)
	assert.Equal(t, poolAvail, avail)
	assert.Positive(t, avail)

	b := &Bio{Op: BioGetAttr, Attribute: AttrBlocksUsed}
	require.NoError(t, h.Do(b))
	assert.Equal(t, used, b.Value)

	_, err = h.Attr("GEOM::rotation_rate")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSyncAlwaysCommitsLog(t *testing.T) {
	f := newFixture(t, testConfig())
	props := testProps(types.VolModeDev)
	props.Sync = types.SyncAlways
	f.create("tank/a", props)
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	_, err := h.WriteAt(pattern(4096, 1), 0)
	require.NoError(t, err)

	f.reg.mu.RLock()
	v := f.reg.findLocked("tank/a")
	f.reg.mu.RUnlock()
	assert.Zero(t, v.zilog.Pending())
}

func TestConcurrentWritersDoNotTear(t *testing.T) {
	f := newFixture(t, testConfig())
	f.create("tank/a", testProps(types.VolModeProvider))
	h := f.open("tank/a", ORead|OWrite)
	defer h.Close()

	const size = 3 * 4096
	done := make(chan error, 2)
	for _, seed := range []byte{0x11, 0x22} {
		go func() {
			var err error
			for range 20 {
				if err = h.Do(&Bio{Op: BioWrite, Offset: 2048, Length: size, Data: bytes.Repeat([]byte{seed}, size)}); err != nil {
					break
				}
			}
			done <- err
		}()
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	got := make([]byte, size)
	_, err := h.ReadAt(got, 2048)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(got, bytes.Repeat([]byte{got[0]}, size)), "write was torn")
}
