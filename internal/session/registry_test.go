package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	mu     sync.Mutex
	sent   []Command
	closes int
}

func (h *fakeHandle) Send(cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closes > 0 {
		return errors.New("closed")
	}
	h.sent = append(h.sent, cmd)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	if h.closes > 1 {
		return errors.New("already closed")
	}
	return nil
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry("")
	require.NotNil(t, r)
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())
}

func TestOpenAssignsSequentialIdentities(t *testing.T) {
	r := NewRegistry("Client_")

	for want := 1; want <= 3; want++ {
		s, err := r.Open(&fakeHandle{}, Info{RemoteAddr: "10.0.0.1:5000"})
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("Client_%d", want), s.ID)
		assert.False(t, s.ConnectedAt.IsZero())
	}
	assert.Equal(t, []string{"Client_1", "Client_2", "Client_3"}, r.Snapshot())
}

func TestOpenNeverReusesIdentity(t *testing.T) {
	r := NewRegistry("Client_")
	s1, _ := r.Open(&fakeHandle{}, Info{})
	r.Unregister(s1.ID)

	s2, err := r.Open(&fakeHandle{}, Info{})
	require.NoError(t, err)
	assert.Equal(t, "Client_2", s2.ID)
}

func TestOpenSkipsExplicitlyRegisteredIdentity(t *testing.T) {
	r := NewRegistry("Client_")
	require.NoError(t, r.Register("Client_1", &fakeHandle{}, Info{}))

	s, err := r.Open(&fakeHandle{}, Info{})
	require.NoError(t, err)
	assert.Equal(t, "Client_2", s.ID)
}

func TestOpenConcurrentIdentitiesUnique(t *testing.T) {
	r := NewRegistry("Client_")
	const n = 200

	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			s, err := r.Open(&fakeHandle{}, Info{})
			if err == nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate identity %s", id)
		seen[id] = true
	}
	assert.Equal(t, n, r.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry("")
	require.NoError(t, r.Register("a", &fakeHandle{}, Info{}))
	assert.ErrorIs(t, r.Register("a", &fakeHandle{}, Info{}), ErrDuplicateSession)
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry("")
	require.NoError(t, r.Register("a", &fakeHandle{}, Info{}))
	require.NoError(t, r.Register("b", &fakeHandle{}, Info{}))

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.False(t, r.Unregister("never"))

	_, ok := r.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, r.Snapshot())
}

func TestUnregisterRaceSingleWinner(t *testing.T) {
	r := NewRegistry("")
	require.NoError(t, r.Register("a", &fakeHandle{}, Info{}))

	const racers = 50
	var wins sync.WaitGroup
	results := make(chan bool, racers)
	wins.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wins.Done()
			results <- r.Unregister("a")
		}()
	}
	wins.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestLookup(t *testing.T) {
	r := NewRegistry("")
	h := &fakeHandle{}
	require.NoError(t, r.Register("a", h, Info{}))

	got, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Same(t, h, got)

	got, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestIfLive(t *testing.T) {
	r := NewRegistry("")
	require.NoError(t, r.Register("a", &fakeHandle{}, Info{}))

	calls := 0
	assert.True(t, r.IfLive("a", func() { calls++ }))
	r.Unregister("a")
	assert.False(t, r.IfLive("a", func() { calls++ }))
	assert.Equal(t, 1, calls)
}

func TestIfLiveSlowCallbackBlocksOnlyItsSession(t *testing.T) {
	r := NewRegistry("Client_")
	slow, err := r.Open(&fakeHandle{}, Info{})
	require.NoError(t, err)
	other, err := r.Open(&fakeHandle{}, Info{})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	go r.IfLive(slow.ID, func() {
		close(entered)
		<-release
	})
	<-entered

	// Registry operations and other sessions proceed while the callback
	// is stuck.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Open(&fakeHandle{}, Info{})
		_ = r.Snapshot()
		assert.True(t, r.IfLive(other.ID, func() {}))
		assert.True(t, r.Unregister(other.ID))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry blocked behind a slow callback")
	}

	// Removing the slow session waits for its callback to finish.
	unregistered := make(chan bool)
	go func() { unregistered <- r.Unregister(slow.ID) }()
	select {
	case <-unregistered:
		t.Fatal("Unregister returned while a callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.True(t, <-unregistered)
	assert.False(t, r.IfLive(slow.ID, func() { t.Error("callback ran after removal") }))
}

func TestCloseAllWaitsForInFlightCallback(t *testing.T) {
	r := NewRegistry("Client_")
	h := &fakeHandle{}
	s, err := r.Open(h, Info{})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	go r.IfLive(s.ID, func() {
		close(entered)
		<-release
	})
	<-entered

	closed := make(chan int)
	go func() { closed <- r.CloseAll() }()

	// The handle is closed right away so the session's reader can wake up.
	require.Eventually(t, func() bool { return h.closeCount() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-closed:
		t.Fatal("CloseAll returned while a callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, 1, <-closed)
	assert.False(t, r.IfLive(s.ID, func() {}))
}

func TestSessionsReturnsInfoInOrder(t *testing.T) {
	r := NewRegistry("Client_")
	_, _ = r.Open(&fakeHandle{}, Info{RemoteAddr: "a:1", ConnID: "c1"})
	_, _ = r.Open(&fakeHandle{}, Info{RemoteAddr: "b:2", ConnID: "c2"})

	infos := r.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, "Client_1", infos[0].ID)
	assert.Equal(t, "a:1", infos[0].RemoteAddr)
	assert.Equal(t, "c2", infos[1].ConnID)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry("Client_")
	h1, h2 := &fakeHandle{}, &fakeHandle{}
	_, _ = r.Open(h1, Info{})
	_, _ = r.Open(h2, Info{})

	// An already-closed handle must not break shutdown.
	_ = h2.Close()

	assert.Equal(t, 2, r.CloseAll())
	assert.Equal(t, 1, h1.closeCount())
	assert.Equal(t, 2, h2.closeCount())
	assert.Empty(t, r.Snapshot())

	// Late unregister from an ingestion loop is a harmless no-op.
	assert.False(t, r.Unregister("Client_1"))

	_, err := r.Open(&fakeHandle{}, Info{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.ErrorIs(t, r.Register("x", &fakeHandle{}, Info{}), ErrRegistryClosed)
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    Command
		wantErr bool
	}{
		{"START", CommandStart, false},
		{"stop", CommandStop, false},
		{" Start ", CommandStart, false},
		{"PAUSE", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseCommand(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
