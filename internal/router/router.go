// Package router selects which of the two isolated datastores serves an
// operation.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/store"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/types"
)

// RequestMeta is the subset of request metadata origin resolution looks at.
type RequestMeta struct {
	// OriginSignal is the value of the trusted gateway header, if any.
	OriginSignal string
	RemoteAddr   string
	ForwardedFor string
	Host         string
}

// MetaFromRequest extracts RequestMeta using the configured trusted header.
func MetaFromRequest(r *http.Request, originHeader string) RequestMeta {
	return RequestMeta{
		OriginSignal: r.Header.Get(originHeader),
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		Host:         r.Host,
	}
}

// Resolver maps request metadata to an origin. It holds no connections.
type Resolver struct {
	nets  []*net.IPNet
	hosts []string
}

// NewResolver parses the production CIDR ranges and host names.
func NewResolver(cidrs, hosts []string) (*Resolver, error) {
	r := &Resolver{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("production cidr %q: %w", c, err)
		}
		r.nets = append(r.nets, n)
	}
	for _, h := range hosts {
		r.hosts = append(r.hosts, strings.ToLower(strings.TrimSpace(h)))
	}
	return r, nil
}

// Resolve applies, in order: the explicit origin signal, the network and host
// heuristics, and finally the local default.
func (r *Resolver) Resolve(meta RequestMeta) types.Origin {
	switch types.Origin(strings.ToLower(strings.TrimSpace(meta.OriginSignal))) {
	case types.OriginProduction:
		return types.OriginProduction
	case types.OriginLocal:
		return types.OriginLocal
	}

	if ip := clientIP(meta); ip != nil {
		for _, n := range r.nets {
			if n.Contains(ip) {
				return types.OriginProduction
			}
		}
	}

	if host := hostOnly(meta.Host); host != "" {
		for _, h := range r.hosts {
			if host == h || (strings.HasPrefix(h, ".") && strings.HasSuffix(host, h)) {
				return types.OriginProduction
			}
		}
	}

	return types.OriginLocal
}

func clientIP(meta RequestMeta) net.IP {
	if meta.ForwardedFor != "" {
		first := strings.TrimSpace(strings.Split(meta.ForwardedFor, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host := meta.RemoteAddr
	if h, _, err := net.SplitHostPort(meta.RemoteAddr); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

func hostOnly(hostport string) string {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// Router owns the two long-lived store handles.
type Router struct {
	*Resolver

	local      store.Store
	production store.Store
	closeOnce  sync.Once
	log        *logrus.Entry
}

// New wraps already opened stores.
func New(resolver *Resolver, local, production store.Store) *Router {
	return &Router{
		Resolver:   resolver,
		local:      local,
		production: production,
		log:        logger.Component("router"),
	}
}

// Options configure Open.
type Options struct {
	LocalDSN      string
	ProductionDSN string
	Timeout       time.Duration
}

// Open connects both stores in parallel and fails unless both are ready
// within opts.Timeout.
func Open(ctx context.Context, resolver *Resolver, opts Options) (*Router, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var local, production *store.DB
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s, err := store.Open(gctx, types.OriginLocal, opts.LocalDSN)
		if err != nil {
			return fmt.Errorf("local store: %w", err)
		}
		local = s
		return nil
	})
	group.Go(func() error {
		s, err := store.Open(gctx, types.OriginProduction, opts.ProductionDSN)
		if err != nil {
			return fmt.Errorf("production store: %w", err)
		}
		production = s
		return nil
	})
	if err := group.Wait(); err != nil {
		if local != nil {
			local.Close()
		}
		if production != nil {
			production.Close()
		}
		return nil, err
	}

	r := New(resolver, local, production)
	r.log.Info("both datastores connected")
	return r, nil
}

// For resolves meta and returns the matching store.
func (r *Router) For(meta RequestMeta) (types.Origin, store.Store) {
	origin := r.Resolve(meta)
	return origin, r.Store(origin)
}

// Store returns the store for an already resolved origin.
func (r *Router) Store(origin types.Origin) store.Store {
	if origin == types.OriginProduction {
		return r.production
	}
	return r.local
}

// Local is the store for work not tied to a request.
func (r *Router) Local() store.Store {
	return r.local
}

func (r *Router) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = errors.Join(r.local.Close(), r.production.Close())
	})
	return err
}
