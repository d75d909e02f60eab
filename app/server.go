package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/zebox/registry-mirror/app/registry"
	"github.com/zebox/registry-mirror/app/server"
	"gopkg.in/natefinch/lumberjack.v2"

	log "github.com/go-pkgz/lgr"
)

func run() error {

	// setup logger for access requests
	accessLogger, err := createLoggerToFile()
	if err != nil {
		return errors.Wrap(err, "failed to setup logging to file, set logging to stdout")
	}

	defer func() {
		if logErr := accessLogger.Close(); logErr != nil {
			log.Printf("[WARN] can't close access log, %v", logErr)
		}
	}()

	sslConfig, sslErr := makeSSLConfig()
	if sslErr != nil {
		return fmt.Errorf("failed to make config of ssl server params: %w", sslErr)
	}

	catalog, errCatalog := makeCatalog(opts.Mirror)
	if errCatalog != nil {
		return errCatalog
	}

	proxySettings, errSettings := makeProxySettings(catalog, opts.Proxy)
	if errSettings != nil {
		return errSettings
	}

	proxyService, errProxy := registry.NewProxy(opts.Mirror.HubLogin, opts.Mirror.HubPassword, proxySettings, log.Default())
	if errProxy != nil {
		return errors.Wrap(errProxy, "failed to create proxy service")
	}

	srv := server.Server{
		Hostname:     opts.HostName,
		Listen:       opts.Listen,
		Port:         opts.Port,
		AccessLog:    accessLogger,
		L:            log.Default(),
		SSLConfig:    sslConfig,
		ProxyService: proxyService,
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}

		// catch signal and invoke graceful termination
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Printf("[WARN] interrupt signal")
		cancel()
	}()

	// shutdown server instance on context cancellation
	go func() {
		<-ctx.Done()
		log.Print("[INFO] shutdown initiated")
		srv.Shutdown()
	}()

	err = srv.Run(ctx)
	if err != nil && err == http.ErrServerClosed { // nolint gocritic
		log.Printf("[WARN] mirror server closed, %v", err)
		return nil
	}
	return err
}

// makeCatalog merges custom registries from a config file over the built-in set,
// match by alias replaces the built-in entry
func makeCatalog(mirrorOpts MirrorGroup) (*registry.Catalog, error) {
	descriptors := registry.DefaultDescriptors()

	for _, custom := range mirrorOpts.Registries {
		replaced := false
		for i, d := range descriptors {
			if d.ID == custom.ID {
				descriptors[i] = custom
				replaced = true
				break
			}
		}
		if !replaced {
			descriptors = append(descriptors, custom)
		}
	}

	catalog, err := registry.NewCatalog(descriptors, mirrorOpts.DefaultRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build registry catalog")
	}

	log.Printf("[INFO] registry catalog created, aliases: %s, default: %s",
		strings.Join(catalog.IDs(), ", "), mirrorOpts.DefaultRegistry)
	return catalog, nil
}

// makeProxySettings fills pipeline settings from options, durations defined as strings
// for config file compatibility
func makeProxySettings(catalog *registry.Catalog, proxyOpts ProxyGroup) (registry.Settings, error) {
	settings := registry.Settings{
		Catalog:     catalog,
		MaxAttempts: proxyOpts.MaxAttempts,
		UserAgents:  proxyOpts.UserAgents,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"backoff-base", proxyOpts.BackoffBase, &settings.BackoffBase},
		{"backoff-cap", proxyOpts.BackoffCap, &settings.BackoffCap},
		{"api-timeout", proxyOpts.APITimeout, &settings.APITimeout},
		{"blob-timeout", proxyOpts.BlobTimeout, &settings.BlobTimeout},
		{"token-ttl", proxyOpts.TokenTTL, &settings.TokenTTL},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, errParse := time.ParseDuration(d.value)
		if errParse != nil {
			return settings, errors.Wrapf(errParse, "can't parse proxy option %s", d.name)
		}
		*d.dst = parsed
	}

	return settings, nil
}

func sizeParse(inp string) (uint64, error) {
	if inp == "" {
		return 0, errors.New("empty value")
	}
	for i, sfx := range []string{"k", "m", "g", "t"} {
		if strings.HasSuffix(inp, strings.ToUpper(sfx)) || strings.HasSuffix(inp, strings.ToLower(sfx)) {
			val, err := strconv.Atoi(inp[:len(inp)-1])
			if err != nil {
				return 0, fmt.Errorf("can't parse %s: %w", inp, err)
			}
			return uint64(float64(val) * math.Pow(float64(1024), float64(i+1))), nil
		}
	}
	return strconv.ParseUint(inp, 10, 64)
}

// createLoggerToFile setup logger to file with rotation and backup
// forward to stdout if logger setup failed
func createLoggerToFile() (accessLog io.WriteCloser, err error) {
	if !opts.Logger.Enabled {
		return os.Stdout, nil
	}

	maxSize, perr := sizeParse(opts.Logger.MaxSize)
	if perr != nil {
		return os.Stdout, fmt.Errorf("can't parse logger MaxSize: %w", perr)
	}

	maxSize /= 1048576

	log.Printf("[INFO] logger enabled for %s, max size %dM", opts.Logger.FileName, maxSize)
	return &lumberjack.Logger{
		Filename:   opts.Logger.FileName,
		MaxSize:    int(maxSize), // in MB
		MaxBackups: opts.Logger.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}, nil
}

func redirectHTTPPort(port int) int {
	// don't set default if any ssl.http-port defined by user
	if port != 0 {
		return port
	}

	return 80
}

// fqdns cleans space suffixes and prefixes which can sneak in from docker compose
func fqdns(domains []string) (res []string) {
	for _, v := range domains {
		res = append(res, strings.TrimSpace(v))
	}
	return res
}

// makeSSLConfig setup SSL config for use in main service
func makeSSLConfig() (config server.SSLConfig, err error) {
	switch opts.SSL.Type {
	case "none":
		config.SSLMode = server.SSLNone
	case "static":
		if opts.SSL.Cert == "" {
			return config, errors.New("path to cert.pem is required")
		}
		if opts.SSL.Key == "" {
			return config, errors.New("path to key.pem is required")
		}
		config.SSLMode = server.SSLStatic
		config.Cert = opts.SSL.Cert
		config.Key = opts.SSL.Key
		config.Port = opts.SSL.Port
		config.RedirHTTPPort = redirectHTTPPort(opts.SSL.RedirHTTPPort)
	case "auto":
		config.SSLMode = server.SSLAuto
		config.ACMELocation = opts.SSL.ACMELocation
		config.ACMEEmail = opts.SSL.ACMEEmail
		config.FQDNs = fqdns(opts.SSL.FQDNs)
		config.Port = opts.SSL.Port
		config.RedirHTTPPort = redirectHTTPPort(opts.SSL.RedirHTTPPort)
	default:
		return config, fmt.Errorf("invalid value %q for SSL_TYPE, allowed values are: none, static or auto", opts.SSL.Type)
	}
	return config, err
}
