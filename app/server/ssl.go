package server

// ssl support for the mirror endpoint. Docker clients refuse plain-http registries
// unless listed as insecure, so production mirrors terminate TLS here in one of two
// ways, static certs or LE autocert.

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/acme/autocert"

	R "github.com/go-pkgz/rest"
)

// sslMode defines ssl mode for the mirror server
type sslMode int8

const (
	// SSLNone runs the http listener only
	SSLNone sslMode = iota

	// SSLStatic runs https with a provided cert/key pair, http redirects to https
	SSLStatic

	// SSLAuto runs https with autocert-obtained certificates, http answers the
	// acme challenge and redirects everything else to https
	SSLAuto
)

// SSLConfig holds ssl params for the mirror server
type SSLConfig struct {
	SSLMode       sslMode
	Cert          string
	Key           string
	ACMELocation  string
	ACMEEmail     string
	FQDNs         []string
	Port          int // custom port for the secure listener
	RedirHTTPPort int
}

// httpToHTTPSRouter makes a router redirecting every http request to the https
// listener. Used in 'static' ssl mode.
func (s *Server) httpToHTTPSRouter() http.Handler {
	log.Printf("[DEBUG] create http-to-https redirect routes")
	return R.Wrap(s.redirectHandler(), R.Recoverer(log.Default()))
}

// httpChallengeRouter makes a router answering the acme "http-01" challenge,
// anything else redirects to the https listener. Used in 'auto' ssl mode.
func (s *Server) httpChallengeRouter(m *autocert.Manager) http.Handler {
	log.Printf("[DEBUG] create http-challenge routes")
	return R.Wrap(m.HTTPHandler(s.redirectHandler()), R.Recoverer(log.Default()))
}

// redirectHandler sends the client to the same path on the https port. Pull
// clients follow the redirect transparently, query strings survive because
// pre-signed blob urls carry credentials there.
func (s *Server) redirectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host // no port attached
		}
		newURL := fmt.Sprintf("https://%s:%d%s", host, s.SSLConfig.Port, r.URL.Path)
		if r.URL.RawQuery != "" {
			newURL += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, newURL, http.StatusTemporaryRedirect)
	})
}

// makeAutocertManager creates the LE manager with the allowed domain list. With no
// explicit FQDNs the mirror hostname is the single allowed domain.
func (s *Server) makeAutocertManager() *autocert.Manager {
	fqdns := s.SSLConfig.FQDNs
	if len(fqdns) == 0 && s.Hostname != "" {
		fqdns = []string{s.Hostname}
	}
	log.Printf("[DEBUG] autocert manager for domains: %+v, location: %s, email: %q",
		fqdns, s.SSLConfig.ACMELocation, s.SSLConfig.ACMEEmail)
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(s.SSLConfig.ACMELocation),
		HostPolicy: autocert.HostWhitelist(fqdns...),
		Email:      s.SSLConfig.ACMEEmail,
	}
}

// makeHTTPSAutocertServer makes an https server in autocert mode (LE support)
func (s *Server) makeHTTPSAutocertServer(address string, router http.Handler, m *autocert.Manager) *http.Server {
	server := s.makeHTTPServer(address, router)
	cfg := s.makeTLSConfig()
	cfg.GetCertificate = m.GetCertificate
	server.TLSConfig = cfg
	return server
}

// makeHTTPSServer makes an https server for static mode
func (s *Server) makeHTTPSServer(address string, router http.Handler) *http.Server {
	server := s.makeHTTPServer(address, router)
	server.TLSConfig = s.makeTLSConfig()
	return server
}

func (s *Server) makeTLSConfig() *tls.Config {
	return &tls.Config{
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
			tls.CurveP384,
		},
	}
}
