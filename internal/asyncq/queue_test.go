package asyncq

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lldebug/internal/logging"
)

// blockingRequest blocks in Perform until released or aborted.
type blockingRequest struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	aborted chan struct{}
}

func newBlockingRequest() *blockingRequest {
	return &blockingRequest{
		started: make(chan struct{}),
		release: make(chan struct{}),
		aborted: make(chan struct{}),
	}
}

func (r *blockingRequest) Perform() error {
	close(r.started)
	select {
	case <-r.release:
		return nil
	case <-r.aborted:
		return errors.New("aborted")
	}
}

func (r *blockingRequest) Abort() {
	r.once.Do(func() { close(r.aborted) })
}

// recorder collects the labels of performed requests.
type recorder struct {
	mu     sync.Mutex
	labels []int
}

func (r *recorder) request(label int) Request {
	return Func(func() error {
		r.mu.Lock()
		r.labels = append(r.labels, label)
		r.mu.Unlock()
		return nil
	})
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.labels...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueue_ProcessesInOrder(t *testing.T) {
	q := New()
	defer q.Close()

	rec := &recorder{}
	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Add(rec.request(i)))
	}

	waitFor(t, func() bool { return len(rec.snapshot()) == 5 })
	assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.snapshot())
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := New()
	defer q.Close()

	blocker := newBlockingRequest()
	require.NoError(t, q.Add(blocker))
	<-blocker.started

	rec := &recorder{}
	for i := 1; i <= DefaultCapacity; i++ {
		require.NoError(t, q.Add(rec.request(i)))
	}
	assert.Equal(t, DefaultCapacity, q.Len())
	assert.Equal(t, uint64(0), q.Stats().Dropped)

	// The 51st push evicts request 1.
	require.NoError(t, q.Add(rec.request(DefaultCapacity+1)))
	assert.Equal(t, DefaultCapacity, q.Len())
	assert.Equal(t, uint64(1), q.Stats().Dropped)

	close(blocker.release)
	waitFor(t, func() bool { return len(rec.snapshot()) == DefaultCapacity })

	labels := rec.snapshot()
	assert.Equal(t, 2, labels[0])
	assert.Equal(t, DefaultCapacity+1, labels[len(labels)-1])
}

func TestQueue_NeverExceedsCapacity(t *testing.T) {
	q := New(WithCapacity(3))
	defer q.Close()

	blocker := newBlockingRequest()
	require.NoError(t, q.Add(blocker))
	<-blocker.started

	for i := 0; i < 20; i++ {
		require.NoError(t, q.Add(Func(func() error { return nil })))
		assert.LessOrEqual(t, q.Len(), 3)
	}
	assert.Equal(t, uint64(17), q.Stats().Dropped)
	close(blocker.release)
}

func TestQueue_ErrorsDoNotStopWorker(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelDebug, Output: &buf})
	q := New(WithLogger(logger))
	defer q.Close()

	rec := &recorder{}
	require.NoError(t, q.Add(Func(func() error { return errors.New("broken pipe") })))
	require.NoError(t, q.Add(Func(func() error { panic("boom") })))
	require.NoError(t, q.Add(rec.request(7)))

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	waitFor(t, func() bool { return q.Stats().Failed == 2 })
	assert.True(t, strings.Contains(buf.String(), "broken pipe"))
}

func TestQueue_CloseAbortsInFlight(t *testing.T) {
	q := New()

	blocker := newBlockingRequest()
	require.NoError(t, q.Add(blocker))
	<-blocker.started

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return; in-flight request was not aborted")
	}

	select {
	case <-blocker.aborted:
	default:
		t.Error("expected in-flight request to be aborted")
	}
}

func TestQueue_AddAfterClose(t *testing.T) {
	q := New()
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Add(Func(func() error { return nil })), ErrClosed)
}

func TestQueue_NoWorkerUntilFirstAdd(t *testing.T) {
	q := New()
	assert.False(t, q.started)
	require.NoError(t, q.Add(Func(func() error { return nil })))
	assert.True(t, q.started)
	q.Close()
}
