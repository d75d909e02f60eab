package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	mrand "math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zebox/registry-mirror/app/registry"
)

const (
	testKeyFileName  = "test_key.pem"
	testCertFileName = "test_cert.pem"
)

func TestServer_RunNoneSSL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := Server{
		Listen:   "*",
		Port:     chooseRandomUnusedPort(),
		Hostname: "localhost",
		SSLConfig: SSLConfig{
			SSLMode: SSLNone,
		},
		AccessLog:    io.Discard,
		L:            log.Default(),
		ProxyService: prepareTestProxy(t),
	}

	go func() {
		assert.Equal(t, http.ErrServerClosed, srv.Run(ctx))
	}()

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	waitForServerStart(srv.Port)

	client := http.Client{
		// prevent http redirect
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	defer client.CloseIdleConnections()

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/ping", srv.Port))
	require.NoError(t, err)
	defer func() { assert.NoError(t, resp.Body.Close()) }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	// capability probe answered locally
	resp, err = client.Get(fmt.Sprintf("http://localhost:%d/v2/", srv.Port))
	require.NoError(t, err)
	defer func() { assert.NoError(t, resp.Body.Close()) }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "registry/2.0", resp.Header.Get("Docker-Distribution-Api-Version"))

	// aliased manifest request relayed through the pipeline
	resp, err = client.Get(fmt.Sprintf("http://localhost:%d/docker/library/alpine/manifests/latest", srv.Port))
	require.NoError(t, err)
	defer func() { assert.NoError(t, resp.Body.Close()) }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sha256:deadbeef", resp.Header.Get("Docker-Content-Digest"))
	body, err = io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, `{"schemaVersion":2}`, string(body))
}

func TestServer_RunStaticSSL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := initTestCertificates(t)

	_, err := os.Stat(dir + "/" + testKeyFileName)
	require.NoError(t, err)
	_, err = os.Stat(dir + "/" + testCertFileName)
	require.NoError(t, err)

	port := chooseRandomUnusedPort()

	srv := Server{
		Hostname: "localhost",
		Port:     port,
		SSLConfig: SSLConfig{
			SSLMode:       SSLStatic,
			RedirHTTPPort: port,
			Port:          chooseRandomUnusedPort(),
			Key:           dir + "/" + testKeyFileName,
			Cert:          dir + "/" + testCertFileName,
		},
		AccessLog:    io.Discard,
		L:            log.Default(),
		ProxyService: prepareTestProxy(t),
	}

	go func() {
		assert.Equal(t, http.ErrServerClosed, srv.Run(ctx))
	}()

	waitForServerStart(srv.SSLConfig.Port)

	client := http.Client{
		// prevent http redirect
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},

		// allow self-signed certificate
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}
	defer client.CloseIdleConnections()

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/test?p=1", srv.Port))
	require.NoError(t, err)
	defer func() { assert.NoError(t, resp.Body.Close()) }()
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("https://localhost:%d/test?p=1", srv.SSLConfig.Port), resp.Header.Get("Location"))

	resp, err = client.Get(fmt.Sprintf("https://localhost:%d/ping", srv.SSLConfig.Port))
	require.NoError(t, err)
	defer func() { assert.NoError(t, resp.Body.Close()) }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	srv.Shutdown()
}

func TestServer_RunWithoutProxyService(t *testing.T) {
	srv := Server{
		Hostname: "localhost",
		Port:     chooseRandomUnusedPort(),
	}
	assert.Error(t, srv.Run(context.Background()))
}

func TestRest_Shutdown(t *testing.T) {
	srv := Server{
		Hostname:     "127.0.0.1",
		Port:         chooseRandomUnusedPort(),
		ProxyService: prepareTestProxy(t),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// without waiting for channel close at the end goroutine will stay alive after test finish
	// which would create data race with next test
	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()

	st := time.Now()
	err := srv.Run(ctx)
	assert.Equal(t, err, http.ErrServerClosed)
	assert.True(t, time.Since(st).Seconds() < 1, "should take about 100ms")
}

func waitForServerStart(port int) {
	// wait for up to 3 seconds for server to start
	for i := 0; i < 300; i++ {
		time.Sleep(time.Millisecond * 10)
		conn, _ := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Millisecond*10)
		if conn != nil {
			_ = conn.Close()
			break
		}
	}
}

func chooseRandomUnusedPort() (port int) {
	for i := 0; i < 10; i++ {
		port = 40000 + int(mrand.Int31n(10000)) //nolint:gosec
		if ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port)); err == nil {
			_ = ln.Close()
			break
		}
	}
	return port
}

// proxyServiceMock stubs the upstream pipeline, tests inject canned responses
// without any network round trip
type proxyServiceMock struct {
	catalog     *registry.Catalog
	ExecuteFunc func(ctx context.Context, rr registry.ResolvedRequest, inHeaders http.Header, body io.Reader) (*http.Response, error)
}

func (p *proxyServiceMock) Catalog() *registry.Catalog { return p.catalog }

func (p *proxyServiceMock) Execute(ctx context.Context, rr registry.ResolvedRequest, inHeaders http.Header, body io.Reader) (*http.Response, error) {
	return p.ExecuteFunc(ctx, rr, inHeaders, body)
}

func prepareTestProxy(t *testing.T) *proxyServiceMock {
	return &proxyServiceMock{
		catalog: registry.DefaultCatalog(),
		ExecuteFunc: func(ctx context.Context, rr registry.ResolvedRequest, inHeaders http.Header, body io.Reader) (*http.Response, error) {
			assert.Equal(t, "registry-1.docker.io", rr.Registry.PrimaryHost)
			header := http.Header{}
			header.Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
			header.Set("Docker-Content-Digest", "sha256:deadbeef")
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     header,
				Body:       io.NopCloser(strings.NewReader(`{"schemaVersion":2}`)),
			}, nil
		},
	}
}

// initTestCertificates creates a self-signed keys pair for the static SSL mode
func initTestCertificates(t *testing.T) (dir string) {
	dir = t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2019),
		Subject: pkix.Name{
			Organization: []string{"TEST, INC."},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	// add Subject Alternative Name for requested IP and Domain
	// it prevents untrusted error with client request
	tmpl.IPAddresses = append(tmpl.IPAddresses, net.ParseIP("127.0.0.1"))
	tmpl.IPAddresses = append(tmpl.IPAddresses, net.ParseIP("::"))
	tmpl.DNSNames = append(tmpl.DNSNames, "localhost")

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certOut, err := os.Create(dir + "/" + testCertFileName)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	keyOut, err := os.Create(dir + "/" + testKeyFileName)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return dir
}
