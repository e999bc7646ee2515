package transport

import "strings"

// Kind names a wire protocol a Channel speaks.
type Kind string

const (
	// KindSocket is a bidirectional websocket. It needs an existing session id.
	KindSocket Kind = "socket"
	// KindSSE is a server-push event stream with request/response sends.
	KindSSE Kind = "sse"
	// KindPolling is plain HTTP: periodic GETs for events, POSTs for sends.
	KindPolling Kind = "polling"
)

var kindAliases = map[string]Kind{
	"socket":       KindSocket,
	"websocket":    KindSocket,
	"ws":           KindSocket,
	"sse":          KindSSE,
	"server-push":  KindSSE,
	"eventsource":  KindSSE,
	"polling":      KindPolling,
	"poll":         KindPolling,
	"http":         KindPolling,
	"long-polling": KindPolling,
}

// ParseKind maps a discovery answer or config value onto a Kind.
func ParseKind(s string) (Kind, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	k, ok := kindAliases[key]
	return k, ok
}

// RequiresSession reports whether the kind can only be used once the
// backend has assigned a session id.
func (k Kind) RequiresSession() bool {
	return k == KindSocket
}

func (k Kind) String() string { return string(k) }

var fallbackChains = map[Kind][]Kind{
	KindSocket:  {KindSocket, KindSSE, KindPolling},
	KindSSE:     {KindSSE, KindPolling, KindSocket},
	KindPolling: {KindPolling},
}

// FallbackChain returns the ordered kinds to attempt when preferred is the
// first choice. Unknown kinds get the SSE chain. The returned slice is a copy.
func FallbackChain(preferred Kind) []Kind {
	chain, ok := fallbackChains[preferred]
	if !ok {
		chain = fallbackChains[KindSSE]
	}
	return append([]Kind(nil), chain...)
}
