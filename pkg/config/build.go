package config

import (
	"context"
	"io"
	"net/http"
	"os"

	"github.com/go-go-golems/chatwire/pkg/components"
	"github.com/go-go-golems/chatwire/pkg/transport"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TransportOptions builds the Manager options. The returned closer releases
// the redis client when a shared discovery cache is configured.
func (s *Settings) TransportOptions(ctx context.Context) (transport.Options, io.Closer, error) {
	opts := transport.Options{
		DefaultKind:     s.DefaultKind(),
		ConnectTimeout:  s.ConnectTimeout,
		ResponseTimeout: s.ResponseTimeout,
		Channels: map[transport.Kind]transport.ChannelConfig{
			transport.KindSocket:  {URL: s.SocketURL()},
			transport.KindSSE:     {URL: s.SSEURL()},
			transport.KindPolling: {URL: s.PollingURL(), PollInterval: s.PollInterval},
		},
	}
	if u := s.DiscoveryURL(); u != "" {
		opts.Discoverer = &transport.HTTPDiscoverer{URL: u, Timeout: s.ResponseTimeout}
	}

	if s.Discovery.RedisAddr == "" {
		opts.Cache = transport.NewMemoryDiscoveryCache(s.Discovery.CacheSize)
		return opts, nopCloser{}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Discovery.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return transport.Options{}, nil, errors.Wrapf(err, "connect to redis at %s", s.Discovery.RedisAddr)
	}
	log.Info().Str("component", "config").Str("addr", s.Discovery.RedisAddr).Msg("using redis discovery cache")
	opts.Cache = transport.NewRedisDiscoveryCache(client, s.Discovery.RedisPrefix, s.Discovery.RedisTTL)
	return opts, client, nil
}

// ManifestSource prefers the local manifest directory and falls back to the
// backend endpoint.
func (s *Settings) ManifestSource() components.ManifestSource {
	var sources []components.ManifestSource
	if s.Components.ManifestDir != "" {
		sources = append(sources, &components.DirManifestSource{Dir: s.Components.ManifestDir})
	}
	if u := s.ManifestURL(); u != "" {
		sources = append(sources, &components.HTTPManifestSource{
			BaseURL: u,
			Client:  &http.Client{Timeout: s.ResponseTimeout},
		})
	}
	return components.FirstOf(sources...)
}

// ComponentRegistry returns a registry whose fallback loads script units
// from ScriptRoot, if one is configured.
func (s *Settings) ComponentRegistry() *components.Registry {
	if s.Components.ScriptRoot == "" {
		return components.NewRegistry(nil)
	}
	return components.NewRegistry(components.NewScriptLoader(os.DirFS(s.Components.ScriptRoot)))
}

// Resolver wires ManifestSource and ComponentRegistry together.
func (s *Settings) Resolver() (*components.Resolver, *components.Registry) {
	registry := s.ComponentRegistry()
	return components.NewResolver(s.ManifestSource(), registry), registry
}
