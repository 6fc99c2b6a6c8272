package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cofer/internal/git"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	events chan string
	errors chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan string, 128), errors: make(chan error, 1)}
}

func (f *fakeSource) Events() <-chan string { return f.events }
func (f *fakeSource) Errors() <-chan error  { return f.errors }
func (f *fakeSource) Close() error          { return nil }

type fakeCommitter struct {
	mu    sync.Mutex
	calls []time.Time
	gate  chan struct{} // when non-nil, each call waits for a token
}

func (f *fakeCommitter) CommitBatch(ctx context.Context, worktree string, opts git.CommitOptions) (*git.Commit, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	n := len(f.calls)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &git.Commit{ID: fmt.Sprintf("c%d", n), Files: 1}, nil
}

func (f *fakeCommitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCommitter) firstCall() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[0]
}

// chanLock is a channel semaphore usable as a Locker
type chanLock chan struct{}

func newChanLock() chanLock { return make(chanLock, 1) }

func (l chanLock) acquire(ctx context.Context) (func(), error) {
	select {
	case l <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestWatcher(t *testing.T, c Committer, lock chanLock, debounce time.Duration) (*Watcher, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	w := start("/worktree", c, lock.acquire, withDefaults(Options{EnvID: "env-1", Debounce: debounce}), src)
	t.Cleanup(func() { w.Close() })
	return w, src
}

func TestWithDefaults_ClampsDebounce(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 150 * time.Millisecond},
		{50 * time.Millisecond, 100 * time.Millisecond},
		{120 * time.Millisecond, 120 * time.Millisecond},
		{time.Second, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, withDefaults(Options{Debounce: tt.in}).Debounce, "debounce %s", tt.in)
	}
	assert.Equal(t, "cofer: auto-commit", withDefaults(Options{}).Message)
}

func TestWatcher_BurstYieldsOneCommit(t *testing.T) {
	c := &fakeCommitter{}
	_, src := newTestWatcher(t, c, newChanLock(), 100*time.Millisecond)

	for i := 0; i < 20; i++ {
		src.events <- fmt.Sprintf("file%d.txt", i)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestWatcher_WaitsForQuietWindow(t *testing.T) {
	c := &fakeCommitter{}
	w, src := newTestWatcher(t, c, newChanLock(), 100*time.Millisecond)

	sent := time.Now()
	src.events <- "a.txt"
	require.Eventually(t, func() bool { return w.State() == StateDebouncing }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, c.firstCall().Sub(sent), 100*time.Millisecond)
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, 1, w.Commits())
}

func TestWatcher_EventsDuringCommitStartNewWindow(t *testing.T) {
	c := &fakeCommitter{gate: make(chan struct{})}
	w, src := newTestWatcher(t, c, newChanLock(), 100*time.Millisecond)

	src.events <- "a.txt"
	require.Eventually(t, func() bool { return w.State() == StateCommitting }, 2*time.Second, time.Millisecond)

	src.events <- "b.txt"
	src.events <- "c.txt"
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count(), "no concurrent commit while one is running")

	c.gate <- struct{}{}
	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	c.gate <- struct{}{}
	require.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 2, c.count())
}

func TestWatcher_CommitWaitsForEnvironmentLock(t *testing.T) {
	c := &fakeCommitter{}
	lock := newChanLock()
	_, src := newTestWatcher(t, c, lock, 100*time.Millisecond)

	release, err := lock.acquire(context.Background())
	require.NoError(t, err)

	src.events <- "a.txt"
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, c.count())

	release()
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestWatcher_FlushCommitsImmediately(t *testing.T) {
	c := &fakeCommitter{}
	w, _ := newTestWatcher(t, c, newChanLock(), 200*time.Millisecond)

	var seen []*git.Commit
	w.opts.OnCommit = func(commit *git.Commit) { seen = append(seen, commit) }

	commit, err := w.Flush(context.Background())
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "c1", commit.ID)
	assert.Len(t, seen, 1)
}

func TestWatcher_CloseStops(t *testing.T) {
	c := &fakeCommitter{}
	src := newFakeSource()
	w := start("/worktree", c, newChanLock().acquire, withDefaults(Options{}), src)

	require.NoError(t, w.Close())
	assert.Equal(t, StateStopped, w.State())
}
