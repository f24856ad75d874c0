package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Helper function to create a temporary config file
func createTempConfigFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	tempFilePath := filepath.Join(dir, filename)
	if err := os.WriteFile(tempFilePath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create temp config file %s: %v", tempFilePath, err)
	}
	return tempFilePath
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Address() != "0.0.0.0:8080" {
		t.Errorf("Expected address 0.0.0.0:8080, got %s", cfg.Address())
	}
	if cfg.Backlog != 50 || cfg.ThreadPool != 100 {
		t.Errorf("Expected backlog 50 and thread pool 100, got %d and %d", cfg.Backlog, cfg.ThreadPool)
	}
	if cfg.ShutdownGrace() != 60*time.Second {
		t.Errorf("Expected shutdown grace 60s, got %s", cfg.ShutdownGrace())
	}
	if cfg.TunnelInactivity() != 15*time.Second {
		t.Errorf("Expected tunnel inactivity 15s, got %s", cfg.TunnelInactivity())
	}
	if cfg.InspectTunnels || cfg.Encrypted {
		t.Errorf("Expected inspection and encryption to be off by default")
	}
	if !cfg.TrustAllUpstream {
		t.Errorf("Expected upstream certificates to be trusted by default")
	}
	if cfg.Certificates.KeyBits != 1024 || cfg.Certificates.SignatureAlgorithm != "SHA256WithRSA" {
		t.Errorf("Unexpected certificate defaults: %+v", cfg.Certificates)
	}
	if cfg.Audit.Backend != "log" || cfg.Audit.Enabled {
		t.Errorf("Unexpected audit defaults: %+v", cfg.Audit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadConfigWithoutFile(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config without file: %v", err)
	}
	if HasChanged(Default(), cfg) {
		t.Errorf("Expected defaults when no file and no environment is given, got %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SNOOP_LISTENADDRESS", "127.0.0.1")
	t.Setenv("SNOOP_PORT", "9090")
	t.Setenv("SNOOP_THREADPOOL", "7")
	t.Setenv("SNOOP_INSPECTTUNNELS", "true")
	t.Setenv("SNOOP_ENCRYPTED", "1")
	t.Setenv("SNOOP_TRUSTALLUPSTREAM", "false")
	t.Setenv("SNOOP_CAFILE", "/etc/snoop/ca.crt")
	t.Setenv("SNOOP_CAPASSWORD", "changeit")
	t.Setenv("SNOOP_KEYBITS", "2048")
	t.Setenv("SNOOP_AUDIT", "TRUE")
	t.Setenv("SNOOP_AUDITBACKEND", "sqlite")
	t.Setenv("SNOOP_SQLITEPATH", "/var/lib/snoop/audit.db")
	t.Setenv("SNOOP_BACKLOG", "not-a-number")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config from env: %v", err)
	}
	if cfg.Address() != "127.0.0.1:9090" {
		t.Errorf("Expected address 127.0.0.1:9090, got %s", cfg.Address())
	}
	if cfg.ThreadPool != 7 {
		t.Errorf("Expected thread pool 7, got %d", cfg.ThreadPool)
	}
	if !cfg.InspectTunnels || !cfg.Encrypted || cfg.TrustAllUpstream {
		t.Errorf("Unexpected flags: inspect=%v encrypted=%v trust=%v", cfg.InspectTunnels, cfg.Encrypted, cfg.TrustAllUpstream)
	}
	if cfg.Certificates.CAFile != "/etc/snoop/ca.crt" || cfg.Certificates.CAPassword != "changeit" {
		t.Errorf("Unexpected certificates: %+v", cfg.Certificates)
	}
	if cfg.Certificates.KeyBits != 2048 {
		t.Errorf("Expected key bits 2048, got %d", cfg.Certificates.KeyBits)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Backend != "sqlite" || cfg.Audit.SQLitePath != "/var/lib/snoop/audit.db" {
		t.Errorf("Unexpected audit config: %+v", cfg.Audit)
	}
	// Invalid numbers are logged and ignored.
	if cfg.Backlog != 50 {
		t.Errorf("Expected backlog to keep its default, got %d", cfg.Backlog)
	}
}

func TestLoadConfigFileOverridesEnv(t *testing.T) {
	t.Setenv("SNOOP_PORT", "9090")
	t.Setenv("SNOOP_BACKLOG", "10")
	path := createTempConfigFile(t, t.TempDir(), "config.json", `{"port": 3128}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Port != 3128 {
		t.Errorf("Expected file port 3128 to win, got %d", cfg.Port)
	}
	if cfg.Backlog != 10 {
		t.Errorf("Expected env backlog 10, got %d", cfg.Backlog)
	}
}

func TestLoadConfigJSON(t *testing.T) {
	domainsFile := createTempConfigFile(t, t.TempDir(), "domains.txt", "example.com\nfoo.org\n")
	content := `{
		"listen-address": "127.0.0.1",
		"port": 3128,
		"backlog": 20,
		"thread-pool": 4,
		"encrypted": false,
		"shutdown-grace-seconds": 5,
		"inspect-tunnels": true,
		"tunnel-inactivity-seconds": "30",
		"trust-all-upstream": false,
		"certificates": {
			"ca-file": "ca.crt",
			"ca-key-file": "ca.key",
			"default-hostname": "proxy.local",
			"key-bits": 2048,
			"signature-algorithm": "SHA384WithRSA",
			"store-dir": "/tmp/certs"
		},
		"audit": {
			"enabled": true,
			"backend": "postgres",
			"postgres-dsn": "postgres://snoop@localhost/audit",
			"flush-interval-seconds": 2
		},
		"classifiers": {
			"internal": {
				"type": "or",
				"classifiers": [
					{"type": "domain", "op": "is", "domain": "corp.example"},
					{"type": "network", "cidr": "10.0.0.0/8"}
				]
			},
			"blocked": {"type": "domains-file", "file": "` + domainsFile + `"},
			"tls": {"type": "port", "port": 443}
		},
		"no-inspect": {
			"type": "domains",
			"domains": ["bank.example", "health.example"]
		}
	}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load JSON config: %v", err)
	}

	if cfg.Address() != "127.0.0.1:3128" {
		t.Errorf("Expected address 127.0.0.1:3128, got %s", cfg.Address())
	}
	if cfg.Backlog != 20 || cfg.ThreadPool != 4 || cfg.ShutdownGraceSeconds != 5 {
		t.Errorf("Unexpected service settings: %+v", cfg)
	}
	if !cfg.InspectTunnels || cfg.TrustAllUpstream {
		t.Errorf("Unexpected inspection settings: inspect=%v trust=%v", cfg.InspectTunnels, cfg.TrustAllUpstream)
	}
	if cfg.TunnelInactivitySeconds != 30 {
		t.Errorf("Expected numeric string to parse, got %d", cfg.TunnelInactivitySeconds)
	}

	certs := cfg.Certificates
	if certs.CAFile != "ca.crt" || certs.CAKeyFile != "ca.key" || certs.DefaultHostname != "proxy.local" {
		t.Errorf("Unexpected certificates: %+v", certs)
	}
	if certs.KeyBits != 2048 || certs.SignatureAlgorithm != "SHA384WithRSA" || certs.StoreDir != "/tmp/certs" {
		t.Errorf("Unexpected certificate options: %+v", certs)
	}

	if !cfg.Audit.Enabled || cfg.Audit.Backend != "postgres" || cfg.Audit.FlushIntervalSeconds != 2 {
		t.Errorf("Unexpected audit config: %+v", cfg.Audit)
	}

	or, ok := cfg.Classifiers["internal"].(*ClassifierOr)
	if !ok {
		t.Fatalf("Expected *ClassifierOr, got %T", cfg.Classifiers["internal"])
	}
	if len(or.Classifiers) != 2 {
		t.Fatalf("Expected 2 inner classifiers, got %d", len(or.Classifiers))
	}
	domain, ok := or.Classifiers[0].(*ClassifierDomain)
	if !ok || domain.Op != ClassifierOpIs || domain.Domain != "corp.example" {
		t.Errorf("Unexpected domain classifier: %#v", or.Classifiers[0])
	}
	network, ok := or.Classifiers[1].(*ClassifierNetwork)
	if !ok || network.CIDR != "10.0.0.0/8" {
		t.Errorf("Unexpected network classifier: %#v", or.Classifiers[1])
	}

	file, ok := cfg.Classifiers["blocked"].(*ClassifierDomainsFile)
	if !ok || file.FilePath != domainsFile {
		t.Errorf("Unexpected domains-file classifier: %#v", cfg.Classifiers["blocked"])
	}
	port, ok := cfg.Classifiers["tls"].(*ClassifierPort)
	if !ok || port.Port != 443 {
		t.Errorf("Unexpected port classifier: %#v", cfg.Classifiers["tls"])
	}

	domains, ok := cfg.NoInspect.(*ClassifierDomains)
	if !ok {
		t.Fatalf("Expected *ClassifierDomains, got %T", cfg.NoInspect)
	}
	if strings.Join(domains.Domains, ",") != "bank.example,health.example" {
		t.Errorf("Unexpected no-inspect domains: %v", domains.Domains)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	content := `
port: 8888
inspect-tunnels: true
certificates:
  ca-file: ca.crt
  key-bits: 4096
classifiers:
  local:
    type: not
    classifier:
      type: ip
      ip: 127.0.0.1
forwards:
  - type: socks5
    address: 127.0.0.1:1080
    classifier:
      type: ref
      id: local
  - type: default-network
`
	path := createTempConfigFile(t, t.TempDir(), "config.yaml", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load YAML config: %v", err)
	}
	if cfg.Port != 8888 || !cfg.InspectTunnels {
		t.Errorf("Unexpected settings: port=%d inspect=%v", cfg.Port, cfg.InspectTunnels)
	}
	if cfg.Certificates.CAFile != "ca.crt" || cfg.Certificates.KeyBits != 4096 {
		t.Errorf("Unexpected certificates: %+v", cfg.Certificates)
	}

	not, ok := cfg.Classifiers["local"].(*ClassifierNot)
	if !ok {
		t.Fatalf("Expected *ClassifierNot, got %T", cfg.Classifiers["local"])
	}
	if ip, ok := not.Classifier.(*ClassifierIP); !ok || ip.IP != "127.0.0.1" {
		t.Errorf("Unexpected inner classifier: %#v", not.Classifier)
	}

	if len(cfg.Forwards) != 2 {
		t.Fatalf("Expected 2 forwards, got %d", len(cfg.Forwards))
	}
	socks, ok := cfg.Forwards[0].(*ForwardSocks5)
	if !ok {
		t.Fatalf("Expected *ForwardSocks5, got %T", cfg.Forwards[0])
	}
	if socks.Address != "127.0.0.1:1080" || socks.Username != nil {
		t.Errorf("Unexpected socks5 forward: %+v", socks)
	}
	if ref, ok := socks.Classifier().(*ClassifierRef); !ok || ref.Id != "local" {
		t.Errorf("Unexpected forward classifier: %#v", socks.Classifier())
	}
	if cfg.Forwards[1].Type() != ForwardTypeDefaultNetwork {
		t.Errorf("Expected default-network forward, got %s", cfg.Forwards[1].Type())
	}
	if _, ok := cfg.Forwards[1].Classifier().(*ClassifierTrue); !ok {
		t.Errorf("Expected a forward without classifier to match everything, got %T", cfg.Forwards[1].Classifier())
	}
}

func TestLoadConfigUnsupportedFormat(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "config.toml", "port = 1")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "unsupported config file format") {
		t.Errorf("Expected unsupported format error, got %v", err)
	}

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected read error, got %v", err)
	}
}

func TestLoadConfigErrorCases(t *testing.T) {
	testCases := []struct {
		name     string
		content  string
		expected string
	}{
		{"invalid json", `{"port": }`, "failed to decode JSON config"},
		{"wrong type", `{"port": "eighty"}`, "port must be a int"},
		{"fractional port", `{"port": 80.5}`, "expected integer"},
		{"bool as number", `{"encrypted": 1}`, "encrypted must be a bool"},
		{"certificates not object", `{"certificates": "ca.crt"}`, "certificates must be an object"},
		{"classifier missing type", `{"classifiers": {"a": {"domain": "x"}}}`, "missing classifier type"},
		{"unknown classifier", `{"classifiers": {"a": {"type": "regex"}}}`, "unsupported classifier type: regex"},
		{"unknown op", `{"classifiers": {"a": {"type": "domain", "op": "like", "domain": "x"}}}`, "unsupported classifier op: like"},
		{"domains not array", `{"classifiers": {"a": {"type": "domains", "domains": "x"}}}`, "requires a 'domains' array"},
		{"not without inner", `{"classifiers": {"a": {"type": "not"}}}`, "requires a 'classifier' object"},
		{"forwards not array", `{"forwards": {"type": "socks5"}}`, "forwards must be an array"},
		{"forward without address", `{"forwards": [{"type": "proxy"}]}`, "proxy forward requires address field"},
		{"unknown forward", `{"forwards": [{"type": "ssh"}]}`, "unsupported forward type: ssh"},
		{"no-inspect not object", `{"no-inspect": true}`, "no-inspect must be a classifier object"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := createTempConfigFile(t, t.TempDir(), "config.json", tc.content)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tc.expected)
			}
			if !strings.Contains(err.Error(), tc.expected) {
				t.Errorf("Expected error containing %q, got %v", tc.expected, err)
			}
		})
	}
}

func TestLoadConfigJSON_Secrets(t *testing.T) {
	t.Setenv("SNOOP_TEST_CA_PASSWORD", "s3cret")
	t.Setenv("SNOOP_TEST_PROXY_USER", "alice")
	t.Setenv("SNOOP_TEST_PROXY_PASS", "hunter2")
	t.Setenv("SNOOP_TEST_PORT", "3129")

	content := `{
		"port": {"_secret": "SNOOP_TEST_PORT"},
		"certificates": {
			"ca-password": {"_secret": "SNOOP_TEST_CA_PASSWORD"}
		},
		"forwards": [
			{
				"type": "proxy",
				"address": "upstream:3128",
				"username": {"_secret": "SNOOP_TEST_PROXY_USER"},
				"password": {"_secret": "SNOOP_TEST_PROXY_PASS"}
			}
		]
	}`
	path := createTempConfigFile(t, t.TempDir(), "secrets.json", content)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config with secrets: %v", err)
	}
	if cfg.Port != 3129 {
		t.Errorf("Expected port 3129 from secret, got %d", cfg.Port)
	}
	if cfg.Certificates.CAPassword != "s3cret" {
		t.Errorf("Expected CA password from secret, got %q", cfg.Certificates.CAPassword)
	}
	fwd, ok := cfg.Forwards[0].(*ForwardProxy)
	if !ok {
		t.Fatalf("Expected *ForwardProxy, got %T", cfg.Forwards[0])
	}
	if fwd.Username == nil || *fwd.Username != "alice" || fwd.Password == nil || *fwd.Password != "hunter2" {
		t.Errorf("Expected credentials from secrets, got %v/%v", fwd.Username, fwd.Password)
	}
}

func TestLoadConfigJSON_SecretMissing(t *testing.T) {
	content := `{"certificates": {"ca-password": {"_secret": "SNOOP_TEST_SECRET_NOT_SET"}}}`
	path := createTempConfigFile(t, t.TempDir(), "secrets.json", content)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("Expected error for missing secret")
	}
	if !strings.Contains(err.Error(), "secret SNOOP_TEST_SECRET_NOT_SET not set") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestHasChanged(t *testing.T) {
	a := Default()
	b := Default()
	if HasChanged(a, b) {
		t.Errorf("Expected equal defaults")
	}

	b.Port = 3128
	if !HasChanged(a, b) {
		t.Errorf("Expected port change to be detected")
	}

	c := Default()
	c.Classifiers["local"] = &ClassifierIP{IP: "127.0.0.1"}
	if !HasChanged(a, c) {
		t.Errorf("Expected classifier change to be detected")
	}
	d := Default()
	d.Classifiers["local"] = &ClassifierIP{IP: "127.0.0.1"}
	if HasChanged(c, d) {
		t.Errorf("Expected equal classifier trees to compare equal")
	}
}

func TestForwardTypeString(t *testing.T) {
	tests := map[ForwardType]string{
		ForwardTypeDefaultNetwork: "default-network",
		ForwardTypeSocks5:         "socks5",
		ForwardTypeProxy:          "proxy",
		ForwardType(99):           "unknown",
	}
	for typ, expected := range tests {
		if typ.String() != expected {
			t.Errorf("Expected %q, got %q", expected, typ.String())
		}
	}
}
