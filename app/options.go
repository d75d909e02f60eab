// Option is a main set of service option
// Some ideas and piece of code borrow from projects of Umputun (https://github.com/umputun)

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/zebox/registry-mirror/app/registry"
	"gopkg.in/yaml.v3"
)

// configReader implement different file read implementation (json, yml, toml etc.)
type configReader interface {
	ReadConfigFromFile(pathToFile string, opts *Options) error
}

// Options the main parameters for the service
type Options struct {
	Listen     string `long:"listen" env:"RM_LISTEN" default:"*" description:"listen on host:port (127.0.0.1:80/443 without)" json:"listen"`
	HostName   string `long:"hostname" env:"RM_HOST_NAME" default:"localhost" description:"Main hostname of service" json:"hostname"`
	Port       int    `long:"port" env:"RM_PORT" description:"Main web-service port. Default:80" default:"80" json:"port"`
	ConfigPath string `long:"config-file" env:"RM_CONFIG_FILE" description:"Path to config file"`

	Mirror MirrorGroup `group:"mirror" namespace:"mirror" env-namespace:"RM_MIRROR" json:"mirror" yaml:"mirror"`
	Proxy  ProxyGroup  `group:"proxy" namespace:"proxy" env-namespace:"RM_PROXY" json:"proxy" yaml:"proxy"`

	Logger struct {
		StdOut     bool   `long:"stdout" env:"STDOUT" description:"enable stdout logging" json:"stdout" yaml:"stdout"`
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable access and error rotated logs" json:"enabled"`
		FileName   string `long:"file" env:"FILE"  default:"access.log" description:"location of access log" json:"filename" yaml:"filename"`
		MaxSize    string `long:"max-size" env:"SIZE" default:"10M" description:"maximum size before it gets rotated" json:"max_size"  yaml:"max_size"`
		MaxBackups int    `long:"max-backups" env:"BACKUPS" default:"10" description:"maximum number of old log files to retain" json:"max_backups" yaml:"max_backups"`
	} `group:"logger" namespace:"logger" env-namespace:"RM_LOGGER"`

	SSL struct {
		Type          string   `long:"type" env:"TYPE" description:"ssl (auto) support. Default is 'none'" choice:"none" choice:"static" choice:"auto" default:"none" json:"type"` // nolint
		Cert          string   `long:"cert" env:"CERT" description:"path to cert.pem file" json:"cert"`
		Key           string   `long:"key" env:"KEY" description:"path to key.pem file" json:"key"`
		ACMELocation  string   `long:"acme-location" env:"ACME_LOCATION" description:"dir where certificates will be stored by autocert manager" default:"./acme" json:"acme_location" yaml:"acme_location"`
		ACMEEmail     string   `long:"acme-email" env:"ACME_EMAIL" description:"admin email for certificate notifications" json:"acme_email" yaml:"acme_email"`
		Port          int      `long:"port" env:"PORT" description:"Main web-service secure SSL port. Default:443" default:"443" json:"port"`
		RedirHTTPPort int      `long:"http-port" env:"ACME_HTTP_PORT" description:"http port for redirect to https and acme challenge test (default: 80)" json:"redir_http_port" yaml:"redir_http_port"`
		FQDNs         []string `long:"fqdn" env:"ACME_FQDN" env-delim:"," description:"FQDN(s) for ACME certificates" json:"acme_fqdns" yaml:"acme_fqdns"`
	} `group:"ssl" namespace:"ssl" env-namespace:"RM_SSL" json:"ssl"`

	Debug bool `long:"debug" env:"RM_DEBUG" description:"enable the debug mode" json:"debug"`

	// implement interface for parse different types of config files
	configReader
}

// MirrorGroup defines the set of upstream registries served by the mirror
type MirrorGroup struct {
	DefaultRegistry string `long:"default-registry" env:"DEFAULT_REGISTRY" default:"docker" description:"Registry alias used for native /v2 requests without a registry hint" json:"default_registry" yaml:"default_registry"`
	HubLogin        string `long:"hub-login" env:"HUB_LOGIN" description:"Docker hub account login for authenticated pulls, anonymous when empty" json:"hub_login" yaml:"hub_login"`
	HubPassword     string `long:"hub-password" env:"HUB_PASSWORD" description:"Docker hub account password or access token" json:"hub_password" yaml:"hub_password"`

	// custom upstream registries merged over the built-in set by alias,
	// settable from a config file only
	Registries []registry.Descriptor `json:"registries" yaml:"registries"`
}

// ProxyGroup tunes the upstream request pipeline
type ProxyGroup struct {
	MaxAttempts int      `long:"max-attempts" env:"MAX_ATTEMPTS" default:"4" description:"Upstream attempts per request including CDN fallbacks" json:"max_attempts" yaml:"max_attempts"`
	BackoffBase string   `long:"backoff-base" env:"BACKOFF_BASE" default:"500ms" description:"First retry delay, doubled on each next attempt" json:"backoff_base" yaml:"backoff_base"`
	BackoffCap  string   `long:"backoff-cap" env:"BACKOFF_CAP" default:"10s" description:"Upper bound for the retry delay" json:"backoff_cap" yaml:"backoff_cap"`
	APITimeout  string   `long:"api-timeout" env:"API_TIMEOUT" default:"30s" description:"Per-attempt timeout for manifest and api calls" json:"api_timeout" yaml:"api_timeout"`
	BlobTimeout string   `long:"blob-timeout" env:"BLOB_TIMEOUT" default:"5m" description:"Per-attempt timeout for blob downloads" json:"blob_timeout" yaml:"blob_timeout"`
	TokenTTL    string   `long:"token-ttl" env:"TOKEN_TTL" default:"60s" description:"Cache lifetime for tokens without explicit expires_in" json:"token_ttl" yaml:"token_ttl"`
	UserAgents  []string `long:"user-agent" env:"USER_AGENTS" env-delim:"," description:"User-Agent values rotated across retry attempts" json:"user_agents" yaml:"user_agents"`
}

func parseArgs() (*Options, error) {
	var options Options
	_, errParse := flags.ParseArgs(&options, os.Args)

	// if config file undefined throw error when flag parse
	if options.ConfigPath == "" && errParse != nil {
		return nil, errors.Wrap(errParse, "failed to parse options failed")
	}

	if options.Port > 65535 || options.Port < 1 {
		return nil, errors.New("wrong port value")
	}

	// try read config from config file
	if options.ConfigPath != "" {
		ext := filepath.Ext(options.ConfigPath)
		switch ext {
		case ".json":
			options.configReader = new(jsonConfigParser)
			if errReadCfg := options.ReadConfigFromFile(options.ConfigPath, &options); errReadCfg != nil {
				return nil, errReadCfg
			}
		case ".yml", ".yaml":
			options.configReader = new(yamlConfigParser)
			if errReadCfg := options.ReadConfigFromFile(options.ConfigPath, &options); errReadCfg != nil {
				return nil, errReadCfg
			}
		default:
			return nil, errors.Errorf("config parser for %q not implemented", ext)
		}
	}

	return &options, nil
}

// jsonConfigParser implementation of json file config parser
type jsonConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for json config file
func (j *jsonConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errParse := os.ReadFile(filepath.Clean(pathToFile))
	if errParse != nil {
		return errors.Wrap(errParse, "failed to read json config file")
	}

	errParse = json.Unmarshal(data, options)
	if errParse != nil {
		return errors.Wrap(errParse, "failed to unmarshal json config data")
	}
	return nil
}

// yamlConfigParser implementation of yaml file config parser
type yamlConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for yaml config file
func (j *yamlConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errParse := os.ReadFile(filepath.Clean(pathToFile))
	if errParse != nil {
		return errors.Wrap(errParse, "failed to read yaml config file")
	}
	errParse = yaml.Unmarshal(data, &options)
	if errParse != nil {
		return fmt.Errorf("failed to unmarshal yaml config data: %v", errParse)
	}
	return nil
}
