// Package config holds the agent's configuration: a process-wide property
// table fed by the environment and by injected attach strings, and the
// immutable Config built from it.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// Property keys.
const (
	KeyPort               = "port"
	KeyHost               = "host"
	KeyStopper            = "stopper"
	KeyKeyStore           = "keyStore"
	KeyKeyStorePassword   = "keyStorePassword"
	KeyTrustStore         = "trustStore"
	KeyTrustStorePassword = "trustStorePassword"
	KeySendCredentials    = "sendCredentials"
	KeyAccessToken        = "accessToken"
	KeyDirectory          = "directory"
	KeyLogLevel           = "logLevel"
	KeyTracingEndpoint    = "tracing.endpoint"
)

// EnvPrefix is prepended to the upper-snake form of a key to find its
// environment variable, e.g. keyStorePassword -> MGMTAGENT_KEY_STORE_PASSWORD.
const EnvPrefix = "MGMTAGENT_"

// SensitiveKeys are never overwritten by an injected value once set, and are
// only forwarded by FormatInjected when sendCredentials is true.
var SensitiveKeys = []string{KeyKeyStore, KeyKeyStorePassword, KeyTrustStore, KeyTrustStorePassword, KeyAccessToken}

var knownKeys = []string{
	KeyPort, KeyHost, KeyStopper,
	KeyKeyStore, KeyKeyStorePassword, KeyTrustStore, KeyTrustStorePassword,
	KeySendCredentials, KeyAccessToken, KeyDirectory, KeyLogLevel, KeyTracingEndpoint,
}

func isSensitive(key string) bool {
	for _, k := range SensitiveKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Properties is a concurrency-safe string table.
type Properties struct {
	mu     sync.RWMutex
	values map[string]string
}

// System is the process-wide table. Injected attach strings merge into it.
var System = NewProperties()

func NewProperties() *Properties {
	return &Properties{values: make(map[string]string)}
}

// PropertiesFrom copies m into a new table.
func PropertiesFrom(m map[string]string) *Properties {
	p := NewProperties()
	for k, v := range m {
		p.values[k] = v
	}
	return p
}

func (p *Properties) Get(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.values[key]
}

func (p *Properties) Lookup(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Snapshot returns a copy of the table.
func (p *Properties) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// ParseInjected parses "key1=val1;key2=val2". Values may contain '='; empty
// segments are skipped. A segment without '=' or with an empty key is a
// configuration error.
func ParseInjected(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: malformed property %q", mgmt.ErrConfiguration, part)
		}
		out[key] = value
	}
	return out, nil
}

// MergeInjected copies injected into p. Sensitive keys that already hold a
// non-empty value keep it.
func (p *Properties) MergeInjected(injected map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range injected {
		if isSensitive(k) && p.values[k] != "" {
			continue
		}
		p.values[k] = v
	}
}

// FormatInjected builds the attach string for a target process: stopper and
// port always, the store settings only when sendCredentials is true.
func FormatInjected(p *Properties) string {
	stopper := p.Get(KeyStopper)
	if stopper == "" {
		stopper = DefaultStopper
	}
	port := p.Get(KeyPort)
	if port == "" {
		port = fmt.Sprint(DefaultPort)
	}
	parts := []string{KeyStopper + "=" + stopper, KeyPort + "=" + port}
	if host := p.Get(KeyHost); host != "" {
		parts = append(parts, KeyHost+"="+host)
	}
	if dir := p.Get(KeyDirectory); dir != "" {
		parts = append(parts, KeyDirectory+"="+dir)
	}
	if send, _ := parseBool(p.Get(KeySendCredentials)); send {
		for _, k := range SensitiveKeys {
			if v := p.Get(k); v != "" {
				parts = append(parts, k+"="+v)
			}
		}
	}
	return strings.Join(parts, ";")
}

// EnvName returns the environment variable consulted for key.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for i, r := range key {
		switch {
		case r == '.' || r == '-':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteString(strings.ToUpper(string(r)))
		}
	}
	return b.String()
}

// LoadEnv copies every known key's environment variable into p. Keys
// already set keep their value.
func (p *Properties) LoadEnv() {
	p.loadEnv(os.LookupEnv)
}

func (p *Properties) loadEnv(lookup func(string) (string, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range knownKeys {
		if _, set := p.values[k]; set {
			continue
		}
		if v, ok := lookup(EnvName(k)); ok {
			p.values[k] = v
		}
	}
}

// KnownKeys lists the recognised property keys, sorted.
func KnownKeys() []string {
	out := append([]string(nil), knownKeys...)
	sort.Strings(out)
	return out
}
