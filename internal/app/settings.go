package app

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/nuetzliches/mgmtagent/internal/config"
	"github.com/nuetzliches/mgmtagent/internal/transport"
)

// configFlags maps command line flags onto property keys. Flags win over
// MGMTAGENT_* environment variables, then the --config file, then defaults.
var configFlags = []struct {
	flag  string
	key   string
	usage string
}{
	{"host", config.KeyHost, "listener host"},
	{"port", config.KeyPort, "listener port"},
	{"stopper", config.KeyStopper, "remote stop secret (env:/file:/raw: references allowed)"},
	{"key-store", config.KeyKeyStore, "PEM or PKCS#12 key store"},
	{"key-store-password", config.KeyKeyStorePassword, "key store password"},
	{"trust-store", config.KeyTrustStore, "PEM or PKCS#12 trust store"},
	{"trust-store-password", config.KeyTrustStorePassword, "trust store password"},
	{"send-credentials", config.KeySendCredentials, "forward store settings when attaching"},
	{"access-token", config.KeyAccessToken, "bearer token required by the listener"},
	{"directory", config.KeyDirectory, "directory DSN (memory, sqlite:<path>, postgres://...)"},
	{"log-level", config.KeyLogLevel, "log level (debug|info|warn|error)"},
	{"tracing-endpoint", config.KeyTracingEndpoint, "OTLP/HTTP trace endpoint URL"},
}

type settings struct {
	fs      *flag.FlagSet
	values  map[string]*string
	file    *string
	dotenv  *string
	timeout *time.Duration
}

func newSettings(fs *flag.FlagSet) *settings {
	s := &settings{fs: fs, values: make(map[string]*string, len(configFlags))}
	for _, f := range configFlags {
		s.values[f.flag] = fs.String(f.flag, "", f.usage)
	}
	s.file = fs.String("config", "", "YAML properties file")
	s.dotenv = fs.String("dotenv", "", "load environment variables from file (dev only)")
	s.timeout = fs.Duration("timeout", 10*time.Second, "connect and call timeout")
	return s
}

// load resolves flags, the optional dotenv file and the environment into
// props and returns the validated configuration.
func (s *settings) load(props *config.Properties) (config.Config, error) {
	if path := strings.TrimSpace(*s.dotenv); path != "" {
		if err := loadDotenv(path); err != nil {
			return config.Config{}, fmt.Errorf("dotenv: %w", err)
		}
	}
	byFlag := make(map[string]string, len(configFlags))
	for _, f := range configFlags {
		byFlag[f.flag] = f.key
	}
	s.fs.Visit(func(f *flag.Flag) {
		if key, ok := byFlag[f.Name]; ok {
			props.Set(key, *s.values[f.Name])
		}
	})
	props.LoadEnv()
	if path := strings.TrimSpace(*s.file); path != "" {
		if err := props.LoadFile(path); err != nil {
			return config.Config{}, err
		}
	}
	return config.FromProperties(props)
}

// clientOptions builds the dial options a CLI verb needs to reach an agent
// configured like cfg.
func clientOptions(cfg config.Config) ([]transport.ClientOption, error) {
	material := transport.TLSMaterial{
		KeyStore:           cfg.KeyStore,
		KeyStorePassword:   cfg.KeyStorePassword,
		TrustStore:         cfg.TrustStore,
		TrustStorePassword: cfg.TrustStorePassword,
	}
	tlsCfg, err := transport.ClientTLS(material, cfg.Host)
	if err != nil {
		return nil, err
	}
	var opts []transport.ClientOption
	if tlsCfg != nil {
		opts = append(opts, transport.WithClientTLS(tlsCfg))
	}
	if cfg.AccessToken != "" {
		opts = append(opts, transport.WithToken(cfg.AccessToken))
	}
	return opts, nil
}
