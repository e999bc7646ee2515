package transport

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Options configure a Manager.
type Options struct {
	// DefaultKind is used when discovery is unavailable or fails.
	DefaultKind Kind
	// Channels holds the per-kind configuration (URL, headers, timeouts).
	Channels        map[Kind]ChannelConfig
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration

	Factory    Factory
	Discoverer Discoverer
	Cache      DiscoveryCache
}

// Manager selects a transport for a logical session and walks the fallback
// chain until one kind connects.
type Manager struct {
	opts  Options
	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]string
}

func NewManager(opts Options) *Manager {
	if opts.DefaultKind == "" {
		opts.DefaultKind = KindSSE
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.Factory == nil {
		opts.Factory = NewChannel
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryDiscoveryCache(0)
	}
	return &Manager{
		opts:     opts,
		sessions: map[string]string{},
	}
}

// PreferredKind returns the cached discovery answer for the workflow, asking
// the Discoverer on a miss. Failures fall back to the default kind and are
// not cached.
func (m *Manager) PreferredKind(ctx context.Context, workflowID string) Kind {
	if kind, ok := m.opts.Cache.Get(ctx, workflowID); ok {
		return kind
	}
	if m.opts.Discoverer == nil {
		return m.opts.DefaultKind
	}
	kind, err := m.opts.Discoverer.Discover(ctx, workflowID)
	if err != nil {
		log.Warn().Err(err).Str("component", "transport").Str("workflow", workflowID).
			Str("default", string(m.opts.DefaultKind)).Msg("transport discovery failed, using default")
		return m.opts.DefaultKind
	}
	m.opts.Cache.Set(ctx, workflowID, kind)
	log.Debug().Str("component", "transport").Str("workflow", workflowID).Str("kind", string(kind)).Msg("transport discovered")
	return kind
}

// RefreshTransport drops the cached discovery answer so the next selection
// pass asks the backend again.
func (m *Manager) RefreshTransport(ctx context.Context, workflowID string) {
	m.opts.Cache.Forget(ctx, workflowID)
}

// SessionID returns the server-assigned id remembered for a session key.
func (m *Manager) SessionID(sessionKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey]
}

func (m *Manager) rememberSession(key, id string) {
	if key == "" || id == "" {
		return
	}
	m.mu.Lock()
	m.sessions[key] = id
	m.mu.Unlock()
}

// SelectAndConnect runs one selection pass. Concurrent calls for the same
// session key share the in-flight pass and receive the same Connection; the
// handlers of the call that started the pass are the ones installed.
func (m *Manager) SelectAndConnect(ctx context.Context, workflowID string, params ConnectParams) (*Connection, error) {
	key := params.key(workflowID)
	flight := key + "#" + strconv.FormatUint(params.Generation, 10)
	v, err, shared := m.group.Do(flight, func() (any, error) {
		return m.selectAndConnect(ctx, workflowID, key, params)
	})
	if shared {
		log.Debug().Str("component", "transport").Str("session_key", key).Msg("joined in-flight selection pass")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (m *Manager) selectAndConnect(ctx context.Context, workflowID, key string, params ConnectParams) (*Connection, error) {
	preferred := m.PreferredKind(ctx, workflowID)
	chain := FallbackChain(preferred)
	if params.SessionID == "" {
		params.SessionID = m.SessionID(key)
	}
	if params.Workflow == "" {
		params.Workflow = workflowID
	}

	attempts := make([]Attempt, 0, len(chain))
	for _, kind := range chain {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "select transport")
		}
		if kind.RequiresSession() && params.SessionID == "" {
			log.Debug().Str("component", "transport").Str("workflow", workflowID).Str("kind", string(kind)).
				Msg("skipping transport: no session id yet")
			attempts = append(attempts, Attempt{Kind: kind, Err: ErrSessionRequired})
			continue
		}

		cfg := m.channelConfig(kind)
		ch, err := m.opts.Factory(cfg)
		if err != nil {
			attempts = append(attempts, Attempt{Kind: kind, Err: err})
			log.Warn().Err(err).Str("component", "transport").Str("kind", string(kind)).Msg("cannot build transport")
			continue
		}

		conn, err := m.connectOne(ctx, ch, cfg, workflowID, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), "select transport")
			}
			attempts = append(attempts, Attempt{Kind: kind, Err: err})
			log.Warn().Err(err).Str("component", "transport").Str("workflow", workflowID).Str("kind", string(kind)).
				Msg("transport failed, trying next")
			continue
		}

		m.rememberSession(key, conn.SessionID())
		log.Info().Str("component", "transport").Str("workflow", workflowID).Str("kind", string(kind)).
			Str("session_id", conn.SessionID()).Int("attempt", len(attempts)+1).Msg("transport connected")
		return conn, nil
	}

	return nil, &ExhaustedError{Workflow: workflowID, Attempts: attempts}
}

func (m *Manager) channelConfig(kind Kind) ChannelConfig {
	cfg := m.opts.Channels[kind]
	cfg.Kind = kind
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = m.opts.ConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = m.opts.ResponseTimeout
	}
	return cfg.withDefaults()
}

type connectResult struct {
	sessionID string
	err       error
}

// connectOne opens ch within the connect timeout. The timeout holds even if
// the channel ignores its context; a connect that completes late is closed.
func (m *Manager) connectOne(ctx context.Context, ch Channel, cfg ChannelConfig, workflowID string, params ConnectParams) (*Connection, error) {
	conn := newConnection(cfg.Kind, workflowID, ch, cfg.ResponseTimeout)
	conn.setStatus(StatusConnecting)

	ch.SetReceiveHandler(func(frame []byte) {
		if conn.abandoned.Load() || params.OnFrame == nil {
			return
		}
		params.OnFrame(frame)
	})
	ch.SetErrorHandler(func(err error) {
		if conn.abandoned.Load() {
			return
		}
		conn.fail(err)
		if params.OnError != nil {
			params.OnError(err)
		}
	})

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	done := make(chan connectResult, 1)
	go func() {
		id, err := ch.Connect(cctx, params)
		done <- connectResult{sessionID: id, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			conn.abandoned.Store(true)
			_ = ch.Close()
			if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return nil, &TimeoutError{Kind: cfg.Kind, Op: "connect", After: cfg.ConnectTimeout}
			}
			return nil, r.err
		}
		conn.mu.Lock()
		conn.sessionID = r.sessionID
		conn.status = StatusConnected
		conn.mu.Unlock()
		return conn, nil

	case <-cctx.Done():
		conn.abandoned.Store(true)
		go func() {
			<-done
			_ = ch.Close()
		}()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "connect")
		}
		return nil, &TimeoutError{Kind: cfg.Kind, Op: "connect", After: cfg.ConnectTimeout}
	}
}
