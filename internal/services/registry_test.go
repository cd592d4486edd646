package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coder1/termmux/internal/models"
)

// fakeAdapter records adapter calls so registry behavior can be tested
// without real PTY processes.
type fakeAdapter struct {
	mu       sync.Mutex
	writes   [][]byte
	cols     uint16
	rows     uint16
	disposed int
	writeErr error
}

func (f *fakeAdapter) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	f.writes = append(f.writes, chunk)
	return nil
}

func (f *fakeAdapter) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	return nil
}

func (f *fakeAdapter) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed++
}

func (f *fakeAdapter) disposedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func (f *fakeAdapter) writtenData() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []byte
	for _, w := range f.writes {
		all = append(all, w...)
	}
	return all
}

// fakeSpawner hands out fakeAdapters and keeps the output/exit callbacks so
// tests can drive adapter events.
type fakeSpawner struct {
	mu       sync.Mutex
	adapters []*fakeAdapter
	outputs  []func([]byte)
	exits    []func(int)
	failWith error
}

func (f *fakeSpawner) spawn(cols, rows uint16, onOutput func([]byte), onExit func(int)) (ProcessAdapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	adapter := &fakeAdapter{cols: cols, rows: rows}
	f.adapters = append(f.adapters, adapter)
	f.outputs = append(f.outputs, onOutput)
	f.exits = append(f.exits, onExit)
	return adapter, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func (f *fakeSpawner) adapter(i int) *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[i]
}

func (f *fakeSpawner) emitOutput(i int, data []byte) {
	f.mu.Lock()
	fn := f.outputs[i]
	f.mu.Unlock()
	fn(data)
}

func (f *fakeSpawner) emitExit(i, code int) {
	f.mu.Lock()
	fn := f.exits[i]
	f.mu.Unlock()
	fn(code)
}

// frameCollector is a Sink capturing delivered frames in order.
type frameCollector struct {
	mu     sync.Mutex
	frames []models.Frame
}

func (c *frameCollector) sink() Sink {
	return func(frame models.Frame) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.frames = append(c.frames, frame)
	}
}

func (c *frameCollector) all() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *frameCollector) byType(t models.FrameType) []models.Frame {
	var out []models.Frame
	for _, f := range c.all() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSpawner) {
	t.Helper()
	spawner := &fakeSpawner{}
	return NewRegistry(spawner.spawn, 100, 1024*1024), spawner
}

func TestRegistryCreate(t *testing.T) {
	t.Run("AssignsUniqueIDs", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		collector := &frameCollector{}

		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			id, err := reg.Create("conn-1", 80, 24, collector.sink())
			require.NoError(t, err)
			assert.False(t, seen[id], "id %s reused", id)
			seen[id] = true
			reg.Close(id)
		}
		for i := 0; i < 20; i++ {
			id, err := reg.Create("conn-1", 80, 24, collector.sink())
			require.NoError(t, err)
			assert.False(t, seen[id], "id %s reused after close churn", id)
			seen[id] = true
		}
	})

	t.Run("EmitsCreatedBeforeFirstOutput", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)
		spawner.emitOutput(0, []byte("prompt$ "))

		frames := collector.all()
		require.Len(t, frames, 2)
		assert.Equal(t, models.FrameCreated, frames[0].Type)
		assert.Equal(t, id, frames[0].SessionID)
		assert.Equal(t, models.FrameOutput, frames[1].Type)
		assert.Equal(t, []byte("prompt$ "), frames[1].Data)
	})

	t.Run("DefaultsDimensions", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 0, 0, collector.sink())
		require.NoError(t, err)
		info, ok := reg.Get(id)
		require.True(t, ok)
		assert.Equal(t, uint16(80), info.Cols)
		assert.Equal(t, uint16(24), info.Rows)
	})

	t.Run("SpawnFailureLeavesNoRecord", func(t *testing.T) {
		spawner := &fakeSpawner{failWith: &SpawnError{Err: errors.New("forkpty: resource temporarily unavailable")}}
		reg := NewRegistry(spawner.spawn, 100, 1024)
		collector := &frameCollector{}

		_, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.Error(t, err)
		var spawnErr *SpawnError
		assert.True(t, errors.As(err, &spawnErr))
		assert.Empty(t, reg.List())
		assert.Empty(t, collector.all())
	})

	t.Run("EnforcesSessionCap", func(t *testing.T) {
		spawner := &fakeSpawner{}
		reg := NewRegistry(spawner.spawn, 2, 1024)
		collector := &frameCollector{}

		_, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)
		id2, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)

		_, err = reg.Create("conn-1", 80, 24, collector.sink())
		assert.ErrorIs(t, err, ErrTooManySessions)

		// Closing a session frees a slot.
		reg.Close(id2)
		_, err = reg.Create("conn-1", 80, 24, collector.sink())
		assert.NoError(t, err)
	})

	t.Run("CapHitReclaimsExitedSessions", func(t *testing.T) {
		spawner := &fakeSpawner{}
		reg := NewRegistry(spawner.spawn, 1, 1024)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)

		// Simulate an exit whose event was missed; the next create must
		// reclaim the slot instead of failing.
		s := reg.get(id)
		s.mu.Lock()
		s.exited = true
		s.mu.Unlock()

		id2, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)
		assert.NotEqual(t, id, id2)
		assert.Equal(t, 1, spawner.adapter(0).disposedCount())
	})
}

func TestRegistryRouteInput(t *testing.T) {
	t.Run("ForwardsToAdapter", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)

		require.NoError(t, reg.RouteInput("conn-1", id, []byte("echo hi\n")))
		assert.Equal(t, []byte("echo hi\n"), spawner.adapter(0).writtenData())
	})

	t.Run("UnknownIDNeverCreatesSession", func(t *testing.T) {
		reg, _ := newTestRegistry(t)

		err := reg.RouteInput("conn-1", "no-such-session", []byte("x"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, reg.List())
	})

	t.Run("ClosedIDYieldsNotFound", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)
		reg.Close(id)

		assert.ErrorIs(t, reg.RouteInput("conn-1", id, []byte("x")), ErrNotFound)
	})

	t.Run("ForeignConnectionRejected", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)

		assert.ErrorIs(t, reg.RouteInput("conn-2", id, []byte("x")), ErrNotFound)
		assert.Empty(t, spawner.adapter(0).writtenData())
	})

	t.Run("DeadAdapterClosesSession", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)
		spawner.adapter(0).writeErr = ErrClosed

		err = reg.RouteInput("conn-1", id, []byte("x"))
		assert.ErrorIs(t, err, ErrClosed)
		assert.Empty(t, reg.List())
		assert.Equal(t, 1, spawner.adapter(0).disposedCount())
	})
}

func TestRegistryRouteResize(t *testing.T) {
	reg, spawner := newTestRegistry(t)
	collector := &frameCollector{}

	id, err := reg.Create("conn-1", 80, 24, collector.sink())
	require.NoError(t, err)

	require.NoError(t, reg.RouteResize("conn-1", id, 120, 40))
	info, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint16(120), info.Cols)
	assert.Equal(t, uint16(40), info.Rows)
	adapter := spawner.adapter(0)
	adapter.mu.Lock()
	assert.Equal(t, uint16(120), adapter.cols)
	assert.Equal(t, uint16(40), adapter.rows)
	adapter.mu.Unlock()

	assert.ErrorIs(t, reg.RouteResize("conn-1", "bogus", 1, 1), ErrNotFound)
}

func TestRegistryClose(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)

		reg.Close(id)
		reg.Close(id)
		reg.Close("never-existed")

		assert.Equal(t, 1, spawner.adapter(0).disposedCount())
		assert.Empty(t, reg.List())
	})

	t.Run("CloseAll", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		collector := &frameCollector{}

		for i := 0; i < 3; i++ {
			_, err := reg.Create("conn-1", 80, 24, collector.sink())
			require.NoError(t, err)
		}
		reg.CloseAll()
		assert.Empty(t, reg.List())
		for i := 0; i < 3; i++ {
			assert.Equal(t, 1, spawner.adapter(i).disposedCount())
		}
	})
}

func TestRegistryDetachReattach(t *testing.T) {
	t.Run("DetachKeepsAdapterAlive", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)

		reg.Detach("conn-1")
		info, ok := reg.Get(id)
		require.True(t, ok)
		assert.Equal(t, models.SessionDetached, info.Status)
		assert.Empty(t, info.ConnectionID)
		assert.Zero(t, spawner.adapter(0).disposedCount())

		// The old connection can no longer address the session.
		assert.ErrorIs(t, reg.RouteInput("conn-1", id, []byte("x")), ErrNotFound)
	})

	t.Run("ReattachReplaysBufferedOutput", func(t *testing.T) {
		reg, spawner := newTestRegistry(t)
		first := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, first.sink())
		require.NoError(t, err)
		spawner.emitOutput(0, []byte("before detach\n"))
		reg.Detach("conn-1")

		// Output produced while detached is buffered, not delivered.
		spawner.emitOutput(0, []byte("while detached\n"))
		assert.Len(t, first.byType(models.FrameOutput), 1)

		second := &frameCollector{}
		require.NoError(t, reg.Reattach("conn-2", id, second.sink()))
		assert.Equal(t, 1, spawner.count(), "reattach must not spawn a new process")

		replayed := second.byType(models.FrameOutput)
		require.Len(t, replayed, 1)
		assert.Equal(t, []byte("before detach\nwhile detached\n"), replayed[0].Data)

		// New output flows to the new connection, in order after the replay.
		spawner.emitOutput(0, []byte("after reattach\n"))
		outputs := second.byType(models.FrameOutput)
		require.Len(t, outputs, 2)
		assert.Equal(t, []byte("after reattach\n"), outputs[1].Data)

		// And the new connection owns the session.
		require.NoError(t, reg.RouteInput("conn-2", id, []byte("y")))
	})

	t.Run("ReattachRejectsNonDetached", func(t *testing.T) {
		reg, _ := newTestRegistry(t)
		collector := &frameCollector{}

		id, err := reg.Create("conn-1", 80, 24, collector.sink())
		require.NoError(t, err)

		assert.ErrorIs(t, reg.Reattach("conn-2", id, collector.sink()), ErrNotFound)
		assert.ErrorIs(t, reg.Reattach("conn-2", "bogus", collector.sink()), ErrNotFound)

		reg.Close(id)
		assert.ErrorIs(t, reg.Reattach("conn-2", id, collector.sink()), ErrNotFound)
	})
}

func TestRegistryExit(t *testing.T) {
	reg, spawner := newTestRegistry(t)
	collector := &frameCollector{}

	id, err := reg.Create("conn-1", 80, 24, collector.sink())
	require.NoError(t, err)

	spawner.emitExit(0, 3)

	exits := collector.byType(models.FrameExit)
	require.Len(t, exits, 1)
	assert.Equal(t, id, exits[0].SessionID)
	require.NotNil(t, exits[0].Code)
	assert.Equal(t, 3, *exits[0].Code)

	assert.Empty(t, reg.List())
	assert.Equal(t, 1, spawner.adapter(0).disposedCount())
	assert.ErrorIs(t, reg.RouteInput("conn-1", id, []byte("x")), ErrNotFound)
}

func TestRegistryPerSessionOrderingUnderConcurrency(t *testing.T) {
	reg, spawner := newTestRegistry(t)
	collector := &frameCollector{}

	idA, err := reg.Create("conn-1", 80, 24, collector.sink())
	require.NoError(t, err)
	idB, err := reg.Create("conn-1", 80, 24, collector.sink())
	require.NoError(t, err)

	const chunks = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < chunks; i++ {
			spawner.emitOutput(0, []byte(fmt.Sprintf("A%04d;", i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < chunks; i++ {
			spawner.emitOutput(1, []byte(fmt.Sprintf("B%04d;", i)))
		}
	}()
	wg.Wait()

	var gotA, gotB []byte
	for _, frame := range collector.byType(models.FrameOutput) {
		switch frame.SessionID {
		case idA:
			gotA = append(gotA, frame.Data...)
		case idB:
			gotB = append(gotB, frame.Data...)
		default:
			t.Fatalf("output frame for unexpected session %s", frame.SessionID)
		}
	}

	var wantA, wantB []byte
	for i := 0; i < chunks; i++ {
		wantA = append(wantA, []byte(fmt.Sprintf("A%04d;", i))...)
		wantB = append(wantB, []byte(fmt.Sprintf("B%04d;", i))...)
	}
	assert.Equal(t, wantA, gotA, "session A output reordered or corrupted")
	assert.Equal(t, wantB, gotB, "session B output reordered or corrupted")
}

func TestRegistryActivityTracking(t *testing.T) {
	reg, spawner := newTestRegistry(t)
	collector := &frameCollector{}

	id, err := reg.Create("conn-1", 80, 24, collector.sink())
	require.NoError(t, err)

	s := reg.get(id)
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	spawner.emitOutput(0, []byte("tick"))
	info, ok := reg.Get(id)
	require.True(t, ok)
	assert.Less(t, time.Since(info.LastActivityAt), time.Minute, "output must refresh lastActivityAt")

	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	require.NoError(t, reg.RouteInput("conn-1", id, []byte("x")))
	info, ok = reg.Get(id)
	require.True(t, ok)
	assert.Less(t, time.Since(info.LastActivityAt), time.Minute, "input must refresh lastActivityAt")
}

func TestRegistryReplayBufferBounded(t *testing.T) {
	spawner := &fakeSpawner{}
	reg := NewRegistry(spawner.spawn, 10, 16)
	collector := &frameCollector{}

	id, err := reg.Create("conn-1", 80, 24, collector.sink())
	require.NoError(t, err)
	reg.Detach("conn-1")

	spawner.emitOutput(0, []byte("0123456789"))
	spawner.emitOutput(0, []byte("abcdefghij"))

	second := &frameCollector{}
	require.NoError(t, reg.Reattach("conn-2", id, second.sink()))
	replayed := second.byType(models.FrameOutput)
	require.Len(t, replayed, 1)
	assert.Equal(t, []byte("456789abcdefghij"), replayed[0].Data, "oldest bytes dropped past the cap")
}
