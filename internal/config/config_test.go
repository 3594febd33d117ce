package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

func TestParseInjected(t *testing.T) {
	got, err := ParseInjected("stopper=abc;port=4000;;keyStorePassword=a=b")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]string{"stopper": "abc", "port": "4000", "keyStorePassword": "a=b"}
	if len(got) != len(want) {
		t.Fatalf("got=%v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s=%q, want %q", k, got[k], v)
		}
	}

	if empty, err := ParseInjected(""); err != nil || len(empty) != 0 {
		t.Fatalf("empty=(%v,%v)", empty, err)
	}
	for _, bad := range []string{"port", "port=1;oops", "=value"} {
		if _, err := ParseInjected(bad); !errors.Is(err, mgmt.ErrConfiguration) {
			t.Fatalf("ParseInjected(%q) err=%v, want ErrConfiguration", bad, err)
		}
	}
}

func TestMergeInjected_KeepsExistingSensitiveValues(t *testing.T) {
	p := PropertiesFrom(map[string]string{
		KeyKeyStorePassword: "AAA",
		KeyAccessToken:      "s3cret",
		KeyPort:             "1000",
		KeyTrustStore:       "",
	})
	injected, err := ParseInjected("keyStorePassword=BBB;accessToken=;port=2000;trustStore=/ts.p12;stopper=abc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p.MergeInjected(injected)

	if got := p.Get(KeyKeyStorePassword); got != "AAA" {
		t.Fatalf("keyStorePassword=%q, want AAA", got)
	}
	if got := p.Get(KeyAccessToken); got != "s3cret" {
		t.Fatalf("accessToken=%q, want s3cret", got)
	}
	if got := p.Get(KeyPort); got != "2000" {
		t.Fatalf("port=%q, want 2000", got)
	}
	if got := p.Get(KeyTrustStore); got != "/ts.p12" {
		t.Fatalf("trustStore=%q, want /ts.p12 (empty values may be filled)", got)
	}
	if got := p.Get(KeyStopper); got != "abc" {
		t.Fatalf("stopper=%q, want abc", got)
	}
}

func TestFormatInjected(t *testing.T) {
	p := PropertiesFrom(map[string]string{
		KeyKeyStore:         "/ks.p12",
		KeyKeyStorePassword: "secret",
	})
	got := FormatInjected(p)
	if got != "stopper=Stopper;port=3412" {
		t.Fatalf("format=%q", got)
	}

	p.Set(KeySendCredentials, "true")
	p.Set(KeyStopper, "abc")
	p.Set(KeyPort, "4000")
	got = FormatInjected(p)
	if !strings.HasPrefix(got, "stopper=abc;port=4000;") ||
		!strings.Contains(got, "keyStore=/ks.p12") ||
		!strings.Contains(got, "keyStorePassword=secret") {
		t.Fatalf("format with credentials=%q", got)
	}

	parsed, err := ParseInjected(got)
	if err != nil {
		t.Fatalf("parse formatted: %v", err)
	}
	if parsed[KeyKeyStorePassword] != "secret" {
		t.Fatalf("round trip lost keyStorePassword: %v", parsed)
	}
}

func TestEnvNameAndLoadEnv(t *testing.T) {
	cases := map[string]string{
		KeyPort:             "MGMTAGENT_PORT",
		KeyKeyStorePassword: "MGMTAGENT_KEY_STORE_PASSWORD",
		KeyTracingEndpoint:  "MGMTAGENT_TRACING_ENDPOINT",
	}
	for key, want := range cases {
		if got := EnvName(key); got != want {
			t.Fatalf("EnvName(%q)=%q, want %q", key, got, want)
		}
	}

	t.Setenv("MGMTAGENT_PORT", "5000")
	t.Setenv("MGMTAGENT_STOPPER", "env-secret")
	p := PropertiesFrom(map[string]string{KeyStopper: "explicit"})
	p.LoadEnv()
	if got := p.Get(KeyPort); got != "5000" {
		t.Fatalf("port=%q, want 5000", got)
	}
	if got := p.Get(KeyStopper); got != "explicit" {
		t.Fatalf("stopper=%q, want explicit", got)
	}
}

func TestFromProperties(t *testing.T) {
	cfg, err := FromProperties(NewProperties())
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Port != DefaultPort || cfg.Stopper != DefaultStopper || cfg.Host != DefaultHost {
		t.Fatalf("defaults=%+v", cfg)
	}
	if !strings.HasPrefix(cfg.Directory, "sqlite:") {
		t.Fatalf("directory=%q, want sqlite default", cfg.Directory)
	}

	t.Setenv("MGMTAGENT_TEST_KS_PASSWORD", "from-env")
	cfg, err = FromProperties(PropertiesFrom(map[string]string{
		KeyPort:             "0",
		KeyStopper:          "raw:abc",
		KeyKeyStore:         "/ks.pem",
		KeyKeyStorePassword: "env:MGMTAGENT_TEST_KS_PASSWORD",
		KeySendCredentials:  "on",
		KeyDirectory:        "memory",
	}))
	if err != nil {
		t.Fatalf("from properties: %v", err)
	}
	if cfg.Port != 0 || cfg.Stopper != "abc" || cfg.KeyStorePassword != "from-env" || !cfg.SendCredentials || cfg.Directory != "memory" {
		t.Fatalf("cfg=%+v", cfg)
	}

	for name, props := range map[string]map[string]string{
		"port not a number": {KeyPort: "abc"},
		"port out of range": {KeyPort: "70000"},
		"negative port":     {KeyPort: "-1"},
		"bad stopper":       {KeyStopper: "a:b"},
		"trust without key": {KeyTrustStore: "/ts.pem"},
		"bad bool":          {KeySendCredentials: "maybe"},
		"bad log level":     {KeyLogLevel: "loud"},
		"missing secret":    {KeyKeyStorePassword: "env:MGMTAGENT_TEST_MISSING_SECRET"},
	} {
		if _, err := FromProperties(PropertiesFrom(props)); !errors.Is(err, mgmt.ErrConfiguration) {
			t.Fatalf("%s: err=%v, want ErrConfiguration", name, err)
		}
	}
}

func TestConfigProperties_RoundTrip(t *testing.T) {
	in := Default()
	in.Port = 4100
	in.Stopper = "abc"
	in.SendCredentials = true
	out, err := FromProperties(in.Properties())
	if err != nil {
		t.Fatalf("from properties: %v", err)
	}
	if out != in {
		t.Fatalf("round trip=%+v, want %+v", out, in)
	}
}

func TestLoadFile_FlattensAndKeepsEarlierValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	doc := "port: 4000\nstopper: from-file\nsendCredentials: true\ntracing:\n  endpoint: http://localhost:4318\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := PropertiesFrom(map[string]string{KeyStopper: "from-flag"})
	if err := p.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := p.Get(KeyStopper); got != "from-flag" {
		t.Fatalf("stopper=%q, want from-flag", got)
	}
	if got := p.Get(KeyPort); got != "4000" {
		t.Fatalf("port=%q, want 4000", got)
	}
	if got := p.Get(KeySendCredentials); got != "true" {
		t.Fatalf("sendCredentials=%q, want true", got)
	}
	if got := p.Get(KeyTracingEndpoint); got != "http://localhost:4318" {
		t.Fatalf("tracing.endpoint=%q", got)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.yaml": "bogus: 1\n",
		"list.yaml":    "port: [1, 2]\n",
		"broken.yaml":  "port: [1, 2\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := NewProperties().LoadFile(path); !errors.Is(err, mgmt.ErrConfiguration) {
			t.Fatalf("%s: err=%v, want ErrConfiguration", name, err)
		}
	}
	if err := NewProperties().LoadFile(filepath.Join(dir, "missing.yaml")); !errors.Is(err, mgmt.ErrConfiguration) {
		t.Fatalf("missing: err=%v, want ErrConfiguration", err)
	}
}
