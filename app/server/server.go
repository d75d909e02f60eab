package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/zebox/registry-mirror/app/registry"

	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
)

// Server the main mirror service instance, accepts docker pull traffic and
// forwards it through the proxy pipeline
type Server struct {
	Hostname     string
	Listen       string // listen on host:port scope
	Port         int    // main service port, default 8080
	SSLConfig    SSLConfig
	AccessLog    io.Writer    // access logger
	L            log.L        // system logger
	ProxyService proxyService // upstream request pipeline

	ctx         context.Context
	httpsServer *http.Server
	httpServer  *http.Server
	lock        sync.Mutex
}

// proxyService implements the upstream pipeline consumed by the proxy handlers
type proxyService interface {

	// Catalog exposes the immutable registry catalog for path resolution
	Catalog() *registry.Catalog

	// Execute drives one resolved request through auth, retries and fallbacks.
	// Response and error may both be set, the response then carries the most
	// informative upstream status to relay.
	Execute(ctx context.Context, rr registry.ResolvedRequest, inHeaders http.Header, body io.Reader) (*http.Response, error)
}

// responseMessage is the uniform error response pattern answered to clients
// which are not docker daemons (diagnostics, curl probes)
type responseMessage struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

func (s *Server) Run(ctx context.Context) error {

	s.ctx = ctx

	if s.Listen == "*" {
		s.Listen = ""
	}

	if s.ProxyService == nil {
		return fmt.Errorf("a proxy service define required")
	}

	switch s.SSLConfig.SSLMode {
	case SSLNone:
		log.Printf("[INFO] activate http mirror server on %s:%d", s.Listen, s.Port)

		s.lock.Lock()
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.routes())
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")
		s.lock.Unlock()

		return s.httpServer.ListenAndServe()

	case SSLStatic:
		log.Printf("[INFO] activate https mirror server in 'static' mode on %s:%d", s.Listen, s.SSLConfig.Port)

		s.lock.Lock()
		s.httpsServer = s.makeHTTPSServer(fmt.Sprintf("%s:%d", s.Listen, s.SSLConfig.Port), s.routes())
		s.httpsServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		// define redirection from http -> https
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.httpToHTTPSRouter())
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")
		s.lock.Unlock()

		go func() {
			log.Printf("[INFO] activate http redirect server on %s:%d", s.Listen, s.Port)
			err := s.httpServer.ListenAndServe()
			log.Printf("[WARN] http redirect server terminated, %s", err)
		}()

		return s.httpsServer.ListenAndServeTLS(s.SSLConfig.Cert, s.SSLConfig.Key)

	case SSLAuto:
		log.Printf("[INFO] activate https mirror server in 'auto' mode on %s:%d", s.Listen, s.SSLConfig.Port)

		m := s.makeAutocertManager()
		s.lock.Lock()
		s.httpsServer = s.makeHTTPSAutocertServer(fmt.Sprintf("%s:%d", s.Listen, s.SSLConfig.Port), s.routes(), m)
		s.httpsServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		// define redirection handler for ACME challenge verification
		s.httpServer = s.makeHTTPServer(fmt.Sprintf("%s:%d", s.Listen, s.Port), s.httpChallengeRouter(m))
		s.httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

		s.lock.Unlock()

		go func() {
			log.Printf("[INFO] activate http challenge server on port %d", s.Port)

			err := s.httpServer.ListenAndServe()
			log.Printf("[WARN] http challenge server terminated, %s", err)
		}()

		return s.httpsServer.ListenAndServeTLS("", "")
	}

	return nil
}

// Shutdown http server instance
func (s *Server) Shutdown() {
	log.Print("[WARN] shutdown mirror server")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	s.lock.Lock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] http shutdown error, %s", err)
		}
		log.Print("[DEBUG] shutdown http server completed")
	}

	if s.httpsServer != nil {
		log.Print("[WARN] shutdown https server")
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			log.Printf("[DEBUG] https shutdown error, %s", err)
		}
		log.Print("[DEBUG] shutdown https server completed")
	}
	s.lock.Unlock()
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Throttle(1000), middleware.RealIP, R.Recoverer(log.Default()))
	router.Use(R.Ping)

	accessLog := s.AccessLog
	if accessLog == nil {
		accessLog = io.Discard
	}
	router.Use(accessLogHandler(accessLog))

	l := s.L
	if l == nil {
		l = log.Default()
	}
	ph := proxyHandlers{proxy: s.ProxyService, l: l}

	// docker daemons poll the capability probe before every pull, answer it locally
	// and keep it rate limited
	router.Group(func(r chi.Router) {
		r.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(10, nil)), middleware.NoCache)
		r.HandleFunc("/v2", ph.apiVersionCtrl)
	})

	// native V2 shape and the aliased shape, any method is forwarded
	router.HandleFunc("/v2/*", ph.proxyCtrl)
	router.HandleFunc("/{alias}/*", ph.proxyCtrl)

	return router
}

// accessLogHandler the handler will log all request for access to the server
func accessLogHandler(wr io.Writer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(wr, next)
	}
}

func (s *Server) makeHTTPServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,

		// no write timeout here, blob downloads stream for minutes,
		// per-attempt upstream timeouts bound the real work
		WriteTimeout: 0,
		IdleTimeout:  30 * time.Second,
	}
}
