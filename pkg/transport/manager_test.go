package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeBehavior struct {
	connectErr error
	// hang makes Connect block until release is closed, ignoring ctx.
	hang     bool
	release  chan struct{}
	started  chan struct{}
	assigned string
}

type fakeChannel struct {
	kind     Kind
	behavior *fakeBehavior

	mu        sync.Mutex
	onReceive ReceiveHandler
	onError   ErrorHandler
	params    ConnectParams
	sent      [][]byte
	closed    atomic.Bool
}

func (f *fakeChannel) Kind() Kind { return f.kind }

func (f *fakeChannel) SetReceiveHandler(h ReceiveHandler) {
	f.mu.Lock()
	f.onReceive = h
	f.mu.Unlock()
}

func (f *fakeChannel) SetErrorHandler(h ErrorHandler) {
	f.mu.Lock()
	f.onError = h
	f.mu.Unlock()
}

func (f *fakeChannel) Connect(_ context.Context, params ConnectParams) (string, error) {
	f.mu.Lock()
	f.params = params
	f.mu.Unlock()
	if f.behavior.started != nil {
		select {
		case f.behavior.started <- struct{}{}:
		default:
		}
	}
	if f.behavior.hang {
		<-f.behavior.release
	}
	if f.behavior.connectErr != nil {
		return "", f.behavior.connectErr
	}
	if f.behavior.assigned != "" {
		return f.behavior.assigned, nil
	}
	return params.SessionID, nil
}

func (f *fakeChannel) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeChannel) emit(frame []byte) {
	f.mu.Lock()
	h := f.onReceive
	f.mu.Unlock()
	h(frame)
}

type fakeFactory struct {
	mu        sync.Mutex
	behaviors map[Kind]*fakeBehavior
	built     map[Kind]int
	channels  []*fakeChannel
}

func newFakeFactory(behaviors map[Kind]*fakeBehavior) *fakeFactory {
	return &fakeFactory{behaviors: behaviors, built: map[Kind]int{}}
}

func (ff *fakeFactory) Factory(cfg ChannelConfig) (Channel, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	b, ok := ff.behaviors[cfg.Kind]
	if !ok {
		b = &fakeBehavior{}
	}
	ff.built[cfg.Kind]++
	ch := &fakeChannel{kind: cfg.Kind, behavior: b}
	ff.channels = append(ff.channels, ch)
	return ch, nil
}

func (ff *fakeFactory) count(k Kind) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.built[k]
}

func (ff *fakeFactory) last() *fakeChannel {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.channels[len(ff.channels)-1]
}

func TestFallbackChain(t *testing.T) {
	require.Equal(t, []Kind{KindSocket, KindSSE, KindPolling}, FallbackChain(KindSocket))
	require.Equal(t, []Kind{KindSSE, KindPolling, KindSocket}, FallbackChain(KindSSE))
	require.Equal(t, []Kind{KindPolling}, FallbackChain(KindPolling))

	chain := FallbackChain(KindSocket)
	chain[0] = KindPolling
	require.Equal(t, KindSocket, FallbackChain(KindSocket)[0])
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"websocket":   KindSocket,
		"WS":          KindSocket,
		"server-push": KindSSE,
		"server_push": KindSSE,
		"polling":     KindPolling,
		"http":        KindPolling,
	} {
		got, ok := ParseKind(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	_, ok := ParseKind("carrier-pigeon")
	require.False(t, ok)
}

func TestSelectAndConnect_FallsBackToNextKind(t *testing.T) {
	ff := newFakeFactory(map[Kind]*fakeBehavior{
		KindSSE:     {connectErr: errors.New("refused")},
		KindPolling: {assigned: "poll-1"},
	})
	m := NewManager(Options{DefaultKind: KindSSE, Factory: ff.Factory})

	conn, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{ChatID: "c1"})
	require.NoError(t, err)
	require.Equal(t, KindPolling, conn.Kind())
	require.Equal(t, "poll-1", conn.SessionID())
	require.Equal(t, StatusConnected, conn.Status())
	require.Equal(t, 1, ff.count(KindSSE))
	require.Equal(t, 0, ff.count(KindSocket))
	require.Equal(t, "poll-1", m.SessionID("c1"))
}

func TestSelectAndConnect_ExhaustionListsEveryAttempt(t *testing.T) {
	ff := newFakeFactory(map[Kind]*fakeBehavior{
		KindSSE:     {connectErr: errors.New("sse down")},
		KindPolling: {connectErr: errors.New("polling down")},
	})
	m := NewManager(Options{DefaultKind: KindSSE, Factory: ff.Factory})

	_, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{})
	require.Error(t, err)
	require.True(t, IsExhausted(err))

	var ee *ExhaustedError
	require.True(t, errors.As(err, &ee))
	require.Len(t, ee.Attempts, 3)
	require.Equal(t, KindSSE, ee.Attempts[0].Kind)
	require.Equal(t, KindPolling, ee.Attempts[1].Kind)
	require.Equal(t, KindSocket, ee.Attempts[2].Kind)
	require.ErrorIs(t, ee.Attempts[2].Err, ErrSessionRequired)
	require.Equal(t, 0, ff.count(KindSocket))

	for _, ch := range ff.channels {
		require.True(t, ch.closed.Load())
	}
}

func TestSelectAndConnect_ConnectTimeoutIsDeclaredAndFallsBack(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ff := newFakeFactory(map[Kind]*fakeBehavior{
		KindSSE:     {hang: true, release: release},
		KindPolling: {assigned: "p"},
	})
	m := NewManager(Options{DefaultKind: KindSSE, Factory: ff.Factory, ConnectTimeout: 50 * time.Millisecond})

	start := time.Now()
	conn, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{})
	require.NoError(t, err)
	require.Equal(t, KindPolling, conn.Kind())
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestSelectAndConnect_TimeoutErrorWhenChainExhausted(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ff := newFakeFactory(map[Kind]*fakeBehavior{
		KindPolling: {hang: true, release: release},
	})
	m := NewManager(Options{DefaultKind: KindPolling, Factory: ff.Factory, ConnectTimeout: 30 * time.Millisecond})

	_, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{})
	var ee *ExhaustedError
	require.True(t, errors.As(err, &ee))
	require.Len(t, ee.Attempts, 1)
	require.True(t, IsTimeout(ee.Attempts[0].Err))
	var te *TimeoutError
	require.True(t, errors.As(ee.Attempts[0].Err, &te))
	require.Equal(t, "connect", te.Op)
	require.Equal(t, KindPolling, te.Kind)
}

func TestSelectAndConnect_ConcurrentCallsShareOnePass(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ff := newFakeFactory(map[Kind]*fakeBehavior{
		KindSSE: {hang: true, release: release, started: started, assigned: "s1"},
	})
	m := NewManager(Options{DefaultKind: KindSSE, Factory: ff.Factory})

	var wg sync.WaitGroup
	results := make([]*Connection, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{ChatID: "c1"})
		require.NoError(t, err)
		results[0] = c
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{ChatID: "c1"})
		require.NoError(t, err)
		results[1] = c
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, ff.count(KindSSE))
	require.Same(t, results[0], results[1])
}

func TestSelectAndConnect_BootstrapsSessionThenUsesSocket(t *testing.T) {
	ff := newFakeFactory(map[Kind]*fakeBehavior{
		KindSSE: {assigned: "srv-1"},
	})
	cache := NewMemoryDiscoveryCache(8)
	cache.Set(context.Background(), "wf", KindSocket)
	m := NewManager(Options{Factory: ff.Factory, Cache: cache})

	conn, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{ChatID: "c1"})
	require.NoError(t, err)
	require.Equal(t, KindSSE, conn.Kind())
	require.Equal(t, 0, ff.count(KindSocket))
	require.NoError(t, conn.Close())

	conn, err = m.SelectAndConnect(context.Background(), "wf", ConnectParams{ChatID: "c1"})
	require.NoError(t, err)
	require.Equal(t, KindSocket, conn.Kind())
	require.Equal(t, "srv-1", conn.SessionID())
	require.Equal(t, "srv-1", ff.last().params.SessionID)
}

func TestSelectAndConnect_DeliversFramesAndErrors(t *testing.T) {
	ff := newFakeFactory(nil)
	m := NewManager(Options{DefaultKind: KindPolling, Factory: ff.Factory})

	var frames [][]byte
	var gotErr error
	conn, err := m.SelectAndConnect(context.Background(), "wf", ConnectParams{
		SessionID: "s",
		OnFrame:   func(f []byte) { frames = append(frames, f) },
		OnError:   func(err error) { gotErr = err },
	})
	require.NoError(t, err)

	ch := ff.last()
	ch.emit([]byte("a"))
	ch.emit([]byte("b"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, frames)

	ch.mu.Lock()
	onError := ch.onError
	ch.mu.Unlock()
	onError(errors.New("read failed"))
	require.EqualError(t, gotErr, "read failed")
	require.Equal(t, StatusError, conn.Status())
}

func TestConnection_SendTimesOutWhenChannelHangs(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	conn := newConnection(KindSSE, "wf", &hangingSendChannel{fakeChannel: fakeChannel{kind: KindSSE, behavior: &fakeBehavior{}}, block: block}, 30*time.Millisecond)
	conn.setStatus(StatusConnected)

	err := conn.Send(context.Background(), map[string]string{"type": "user-message"})
	require.True(t, IsTimeout(err))

	require.NoError(t, conn.Close())
	err = conn.Send(context.Background(), []byte("x"))
	require.ErrorIs(t, err, ErrNotConnected)
}

type hangingSendChannel struct {
	fakeChannel
	block chan struct{}
}

func (h *hangingSendChannel) Send(context.Context, []byte) error {
	<-h.block
	return nil
}

func TestPreferredKind_DiscoveryIsCachedAndFailuresAreNot(t *testing.T) {
	var hits atomic.Int32
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if fail.Load() {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		require.Equal(t, "wf-a", r.URL.Query().Get("workflow"))
		_, _ = w.Write([]byte(`{"transport":"server-push"}`))
	}))
	defer srv.Close()

	m := NewManager(Options{
		DefaultKind: KindPolling,
		Discoverer:  &HTTPDiscoverer{URL: srv.URL},
		Factory:     newFakeFactory(nil).Factory,
	})
	ctx := context.Background()

	require.Equal(t, KindSSE, m.PreferredKind(ctx, "wf-a"))
	require.Equal(t, KindSSE, m.PreferredKind(ctx, "wf-a"))
	require.EqualValues(t, 1, hits.Load())

	m.RefreshTransport(ctx, "wf-a")
	fail.Store(true)
	require.Equal(t, KindPolling, m.PreferredKind(ctx, "wf-a"))
	require.Equal(t, KindPolling, m.PreferredKind(ctx, "wf-a"))
	require.EqualValues(t, 3, hits.Load())
}

func TestMemoryDiscoveryCache_UnboundedKeepsEveryWorkflow(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"transport":"polling"}`))
	}))
	defer srv.Close()

	cache := NewMemoryDiscoveryCache(0)
	m := NewManager(Options{
		Discoverer: &HTTPDiscoverer{URL: srv.URL},
		Cache:      cache,
		Factory:    newFakeFactory(nil).Factory,
	})
	ctx := context.Background()

	n := 2*DefaultDiscoveryCacheSize + 1
	for i := 0; i < n; i++ {
		require.Equal(t, KindPolling, m.PreferredKind(ctx, fmt.Sprintf("wf-%d", i)))
	}
	require.Equal(t, n, cache.Len())
	for i := 0; i < n; i++ {
		m.PreferredKind(ctx, fmt.Sprintf("wf-%d", i))
	}
	require.EqualValues(t, n, hits.Load())
}

func TestMemoryDiscoveryCache_Evicts(t *testing.T) {
	c := NewMemoryDiscoveryCache(2)
	ctx := context.Background()
	c.Set(ctx, "a", KindSSE)
	c.Set(ctx, "b", KindSocket)
	c.Set(ctx, "c", KindPolling)
	require.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, "a")
	require.False(t, ok)
	k, ok := c.Get(ctx, "c")
	require.True(t, ok)
	require.Equal(t, KindPolling, k)
}
