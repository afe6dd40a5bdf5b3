package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/config"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/directory"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/dispatcher"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/identity"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/ratelimit"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/trust"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/wsgw"
)

// Server wires the three protocol surfaces (C1) to the shared admission
// pipeline (C2) and its collaborators. One Server per process, matching
// the spec's single-tenant scope (spec §1).
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	reg       *registry.Registry
	ids       *identity.Resolver
	limiter   *ratelimit.Limiter
	trustDB   *trust.Store
	dispatch  *dispatcher.Dispatcher
	directory *directory.Client
	hub       *wsgw.Hub
	startedAt time.Time

	sandboxMu     sync.Mutex
	sandboxCounts map[string]sandboxCounter
}

// sandboxCounter tracks one peer's usage of the public /sandbox trial
// within the current hour (spec §4.1: "3/hour/peer").
type sandboxCounter struct {
	count   int
	hourKey string
}

const (
	sandboxHourlyCap = 3
)

func hourKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// sandboxAllow reports and records one /sandbox attempt for peer, reset
// every UTC hour.
func (s *Server) sandboxAllow(peer string) bool {
	s.sandboxMu.Lock()
	defer s.sandboxMu.Unlock()
	if s.sandboxCounts == nil {
		s.sandboxCounts = make(map[string]sandboxCounter)
	}
	now := hourKey(time.Now())
	c := s.sandboxCounts[peer]
	if c.hourKey != now {
		c = sandboxCounter{hourKey: now}
	}
	if c.count >= sandboxHourlyCap {
		return false
	}
	c.count++
	s.sandboxCounts[peer] = c
	return true
}

// New builds a Server. directoryClient may be a non-Configured() Client
// when node_url is unset (spec §6.6); the discovery endpoints then answer
// 503 rather than attempting a request, and /trust/{did} answers with the
// local profile only ("network": null).
func New(
	cfg *config.Config,
	log *zap.Logger,
	reg *registry.Registry,
	ids *identity.Resolver,
	limiter *ratelimit.Limiter,
	trustDB *trust.Store,
	dispatch *dispatcher.Dispatcher,
	directoryClient *directory.Client,
	hub *wsgw.Hub,
) *Server {
	return &Server{
		cfg:       cfg,
		log:       log,
		reg:       reg,
		ids:       ids,
		limiter:   limiter,
		trustDB:   trustDB,
		dispatch:  dispatch,
		directory: directoryClient,
		hub:       hub,
		startedAt: time.Now(),
	}
}

// Router builds the chi router for all three protocol surfaces (spec
// §6.1). Body-size enforcement (spec §4.2 step 1) is applied uniformly via
// http.MaxBytesReader inside withBodyLimit, ahead of every handler that
// reads a body.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/llms.txt", s.handleLLMsTxt)

	r.Get("/.well-known/agent.json", s.handleCapability)
	r.Get("/.well-known/agent-card.json", s.handleCapability)
	r.Get("/.well-known/a2a.json", s.handleCapability)

	r.With(s.withBodyLimit).Post("/task", s.handleSubmitTask)
	r.Get("/task/{id}", s.handleGetTask)
	r.Delete("/task/{id}", s.handleCancelTask)

	r.With(s.withBodyLimit).Post("/", s.handleJSONRPC)
	r.With(s.withBodyLimit).Post("/a2a", s.handleJSONRPC)

	r.With(s.withBodyLimit).Post("/sandbox", s.handleSandbox)

	r.Get("/discovery/agents", s.handleDiscoverAgents)
	r.With(s.withBodyLimit).Post("/discovery/search", s.handleDiscoverySearch)
	r.Get("/discovery/agents/{did}", s.handleDiscoverAgentByDID)
	r.Get("/trust/{did}", s.handleTrustByDID)

	r.Get("/", s.handleWebSocket)

	return r
}

// requestLogger logs method/path/status/duration at info level, the way
// the teacher's services log each operation's outcome through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if s.log != nil {
			s.log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}

// withBodyLimit enforces the configured body-size cap (spec §4.2 step 1,
// §3's "serialized size <= configured body limit"). A body whose declared
// Content-Length exceeds the cap is rejected with 413 before JSON decoding
// ever runs; a body without a declared length is cut off at the cap by
// MaxBytesReader, and the handler then reports the failed decode.
func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > s.cfg.BodyLimitBytes {
			writeError(w, newBodyTooLarge())
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BodyLimitBytes)
		next.ServeHTTP(w, r)
	})
}

// peerAddr extracts a stable caller address for rate limiting and anonymous
// identity derivation, preferring the value RealIP middleware already
// resolved onto RemoteAddr.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// anonymousIdentity derives a stable, opaque identity for an unauthenticated
// caller from its peer address (spec §4.2's identity precedence rule).
func anonymousIdentity(peer string) string {
	sum := sha256.Sum256([]byte("anon:" + peer))
	return "anon-" + hex.EncodeToString(sum[:])[:16]
}

// resolveIdentity authenticates the Authorization header when required,
// implementing spec §4.2 step 3 and §4.5's three schemes. When auth is not
// required, a missing/non-matching header yields the X-Client-DID hint if
// one is present, else no identity (the caller falls back to
// client_identity or anonymous derivation).
func (s *Server) resolveIdentity(r *http.Request) (identity.Identity, *AppError) {
	auth := r.Header.Get("Authorization")
	id, err := s.ids.Resolve(auth, r.Method, r.URL.Path)
	if err == nil {
		return id, nil
	}
	if s.cfg.RequireAuth {
		return identity.Identity{}, newUnauthorized()
	}
	// X-Client-DID is a non-cryptographic identity hint accepted on any
	// request when auth is not required (spec §8 scenario 1 exercises this
	// header directly): it lets a caller assert the same identity at
	// submission and on every later poll or cancel without a DID signature.
	// It never satisfies a required-auth check.
	if hint := r.Header.Get("X-Client-DID"); hint != "" && len(hint) <= 128 {
		return identity.Identity{Value: hint, Scheme: identity.SchemeNone}, nil
	}
	return identity.Identity{}, nil
}
