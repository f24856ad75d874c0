package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/authlab/snoop/snoop-srv/logger"
)

// Config is the complete proxy configuration.
type Config struct {
	ListenAddress        string
	Port                 int
	Backlog              int
	ThreadPool           int
	Encrypted            bool
	ShutdownGraceSeconds int

	InspectTunnels          bool
	TunnelInactivitySeconds int
	TrustAllUpstream        bool

	Certificates CertificatesConfig
	Audit        AuditConfig

	Classifiers map[string]Classifier
	// NoInspect selects CONNECT targets relayed opaquely even when
	// InspectTunnels is set. Nil inspects everything.
	NoInspect Classifier
	Forwards  []Forward
}

// CertificatesConfig configures the CA and the certificates minted with it.
type CertificatesConfig struct {
	CAFile             string
	CAKeyFile          string
	CAPassword         string
	DefaultHostname    string
	KeyBits            int
	SignatureAlgorithm string
	StoreDir           string
}

// AuditConfig configures where transactions and exceptions are recorded.
type AuditConfig struct {
	Enabled              bool
	Backend              string
	LogPath              string
	SQLitePath           string
	PostgresDSN          string
	FlushIntervalSeconds int
}

// Default returns the configuration used before env and file are applied.
func Default() *Config {
	return &Config{
		ListenAddress:           "0.0.0.0",
		Port:                    8080,
		Backlog:                 50,
		ThreadPool:              100,
		ShutdownGraceSeconds:    60,
		TunnelInactivitySeconds: 15,
		TrustAllUpstream:        true,
		Certificates: CertificatesConfig{
			KeyBits:            1024,
			SignatureAlgorithm: "SHA256WithRSA",
		},
		Audit: AuditConfig{
			Backend:              "log",
			FlushIntervalSeconds: 5,
		},
		Classifiers: map[string]Classifier{},
	}
}

// Address returns the listen address as "host:port".
func (c *Config) Address() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c *Config) TunnelInactivity() time.Duration {
	return time.Duration(c.TunnelInactivitySeconds) * time.Second
}

// HasChanged reports whether two configurations differ.
func HasChanged(old, updated *Config) bool {
	return !reflect.DeepEqual(old, updated)
}

// LoadConfig builds the configuration from defaults, SNOOP_* environment
// variables and, when configPath is not empty, a JSON, YAML or HCL file.
// Values from the file win.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()
	loadConfigFromEnv(cfg)

	if configPath == "" {
		return cfg, nil
	}

	cleanPath, err := filepath.Abs(filepath.Clean(configPath))
	if err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}
	content, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var data map[string]any
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json":
		data, err = decodeJSON(content)
	case ".yaml", ".yml":
		data, err = decodeYAML(content)
	case ".hcl":
		data, err = decodeHCL(cleanPath, content)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}
	if err != nil {
		return nil, err
	}

	if err := applyMap(cfg, data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setField parses data[key] into dst when present.
func setField[T any](data map[string]any, key string, dst *T) error {
	val, exists := data[key]
	if !exists {
		return nil
	}
	ptr, err := parseValue[T](val)
	if err != nil {
		if strings.Contains(err.Error(), "secret") {
			return err
		}
		var zero T
		return fmt.Errorf("%s must be a %T: %w", key, zero, err)
	}
	*dst = *ptr
	return nil
}

func applyMap(cfg *Config, data map[string]any) error {
	fields := []func() error{
		func() error { return setField(data, "listen-address", &cfg.ListenAddress) },
		func() error { return setField(data, "port", &cfg.Port) },
		func() error { return setField(data, "backlog", &cfg.Backlog) },
		func() error { return setField(data, "thread-pool", &cfg.ThreadPool) },
		func() error { return setField(data, "encrypted", &cfg.Encrypted) },
		func() error { return setField(data, "shutdown-grace-seconds", &cfg.ShutdownGraceSeconds) },
		func() error { return setField(data, "inspect-tunnels", &cfg.InspectTunnels) },
		func() error { return setField(data, "tunnel-inactivity-seconds", &cfg.TunnelInactivitySeconds) },
		func() error { return setField(data, "trust-all-upstream", &cfg.TrustAllUpstream) },
	}
	for _, f := range fields {
		if err := f(); err != nil {
			return err
		}
	}

	if val, exists := data["certificates"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("certificates must be an object")
		}
		c := &cfg.Certificates
		for _, err := range []error{
			setField(m, "ca-file", &c.CAFile),
			setField(m, "ca-key-file", &c.CAKeyFile),
			setField(m, "ca-password", &c.CAPassword),
			setField(m, "default-hostname", &c.DefaultHostname),
			setField(m, "key-bits", &c.KeyBits),
			setField(m, "signature-algorithm", &c.SignatureAlgorithm),
			setField(m, "store-dir", &c.StoreDir),
		} {
			if err != nil {
				return fmt.Errorf("certificates: %w", err)
			}
		}
	}

	if val, exists := data["audit"]; exists {
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("audit must be an object")
		}
		a := &cfg.Audit
		for _, err := range []error{
			setField(m, "enabled", &a.Enabled),
			setField(m, "backend", &a.Backend),
			setField(m, "log-path", &a.LogPath),
			setField(m, "sqlite-path", &a.SQLitePath),
			setField(m, "postgres-dsn", &a.PostgresDSN),
			setField(m, "flush-interval-seconds", &a.FlushIntervalSeconds),
		} {
			if err != nil {
				return fmt.Errorf("audit: %w", err)
			}
		}
	}

	if val, exists := data["classifiers"]; exists {
		classifiers, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("classifiers must be an object")
		}
		cfg.Classifiers = make(map[string]Classifier, len(classifiers))
		for key, classifier := range classifiers {
			classifierMap, ok := classifier.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid classifier format for %s", key)
			}
			parsed, err := parseClassifier(classifierMap)
			if err != nil {
				return fmt.Errorf("classifier %s: %w", key, err)
			}
			cfg.Classifiers[key] = parsed
		}
	}

	if val, exists := data["no-inspect"]; exists {
		classifierMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("no-inspect must be a classifier object")
		}
		parsed, err := parseClassifier(classifierMap)
		if err != nil {
			return fmt.Errorf("no-inspect: %w", err)
		}
		cfg.NoInspect = parsed
	}

	if val, exists := data["forwards"]; exists {
		forwards, ok := val.([]any)
		if !ok {
			return fmt.Errorf("forwards must be an array")
		}
		cfg.Forwards = nil
		for i, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid forward format at index %d", i)
			}
			parsed, err := parseForward(forwardMap)
			if err != nil {
				return fmt.Errorf("forward %d: %w", i, err)
			}
			cfg.Forwards = append(cfg.Forwards, parsed)
		}
	}

	return nil
}

func parseForward(forwardMap map[string]any) (Forward, error) {
	forwardType, ok := forwardMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing forward type")
	}

	var classifier Classifier
	if classifierData, ok := forwardMap["classifier"].(map[string]any); ok {
		var err error
		classifier, err = parseClassifier(classifierData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse classifier for %s forward: %w", forwardType, err)
		}
	}

	switch forwardType {
	case "default-network":
		return &ForwardDefaultNetwork{ClassifierData: classifier}, nil
	case "socks5", "proxy":
		address, err := parseValue[string](forwardMap["address"])
		if err != nil {
			return nil, fmt.Errorf("%s forward requires address field", forwardType)
		}
		var username, password *string
		if v, exists := forwardMap["username"]; exists {
			if username, err = parseValue[string](v); err != nil {
				return nil, fmt.Errorf("username: %w", err)
			}
		}
		if v, exists := forwardMap["password"]; exists {
			if password, err = parseValue[string](v); err != nil {
				return nil, fmt.Errorf("password: %w", err)
			}
		}
		if forwardType == "socks5" {
			return &ForwardSocks5{ClassifierData: classifier, Address: *address, Username: username, Password: password}, nil
		}
		return &ForwardProxy{ClassifierData: classifier, Address: *address, Username: username, Password: password}, nil
	default:
		return nil, fmt.Errorf("unsupported forward type: %s", forwardType)
	}
}

// parseValue converts a decoded config value into T. A value of the form
// {"_secret": "NAME"} is replaced by the environment variable NAME.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() != reflect.Bool {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
		elem.SetBool(v)
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func parseClassifiers(list any) ([]Classifier, error) {
	if list == nil {
		return nil, nil
	}
	items, ok := list.([]any)
	if !ok {
		return nil, fmt.Errorf("classifiers must be an array")
	}
	result := make([]Classifier, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("classifier at index %d must be an object", i)
		}
		c, err := parseClassifier(m)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	classifierType, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	str := func(key string) (string, error) {
		ptr, err := parseValue[string](classifierMap[key])
		if err != nil {
			return "", fmt.Errorf("%s classifier requires a '%s' field: %w", classifierType, key, err)
		}
		return *ptr, nil
	}

	switch classifierType {
	case "and":
		classifiers, err := parseClassifiers(classifierMap["classifiers"])
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: classifiers}, nil
	case "or":
		classifiers, err := parseClassifiers(classifierMap["classifiers"])
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: classifiers}, nil
	case "not":
		inner, ok := classifierMap["classifier"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("not classifier requires a 'classifier' object")
		}
		class, err := parseClassifier(inner)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: class}, nil
	case "domain":
		domain, err := str("domain")
		if err != nil {
			return nil, err
		}
		op := ClassifierOpEqual
		if opStr, ok := classifierMap["op"].(string); ok {
			if op, err = parseClassifierOp(opStr); err != nil {
				return nil, err
			}
		}
		return &ClassifierDomain{Op: op, Domain: domain}, nil
	case "domains":
		items, ok := classifierMap["domains"].([]any)
		if !ok {
			return nil, fmt.Errorf("domains classifier requires a 'domains' array")
		}
		domains := make([]string, 0, len(items))
		for _, item := range items {
			domain, err := parseValue[string](item)
			if err != nil {
				return nil, fmt.Errorf("domains: %w", err)
			}
			domains = append(domains, *domain)
		}
		return &ClassifierDomains{Domains: domains}, nil
	case "domains-file":
		file, err := str("file")
		if err != nil || file == "" {
			return nil, fmt.Errorf("domains-file classifier requires a 'file' field")
		}
		return &ClassifierDomainsFile{FilePath: file}, nil
	case "ip":
		ip, err := str("ip")
		if err != nil {
			return nil, err
		}
		return &ClassifierIP{IP: ip}, nil
	case "network":
		cidr, err := str("cidr")
		if err != nil {
			return nil, err
		}
		return &ClassifierNetwork{CIDR: cidr}, nil
	case "port":
		port, err := parseValue[int](classifierMap["port"])
		if err != nil {
			return nil, fmt.Errorf("port classifier requires a 'port' field: %w", err)
		}
		return &ClassifierPort{Port: *port}, nil
	case "ref":
		id, err := str("id")
		if err != nil {
			return nil, err
		}
		return &ClassifierRef{Id: id}, nil
	case "true":
		return &ClassifierTrue{}, nil
	case "false":
		return &ClassifierFalse{}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", classifierType)
	}
}

func parseClassifierOp(op string) (ClassifierOp, error) {
	switch op {
	case "equal":
		return ClassifierOpEqual, nil
	case "not-equal":
		return ClassifierOpNotEqual, nil
	case "is":
		return ClassifierOpIs, nil
	case "contains":
		return ClassifierOpContains, nil
	case "not-contains":
		return ClassifierOpNotContains, nil
	default:
		return ClassifierOpEqual, fmt.Errorf("unsupported classifier op: %s", op)
	}
}

func envBool(value string) bool {
	return strings.EqualFold(value, "true") || value == "1"
}

func envInt(name string, dst *int) {
	value := os.Getenv(name)
	if value == "" {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn("Invalid format for %s: %s", name, value)
		return
	}
	*dst = n
}

func envString(name string, dst *string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func envFlag(name string, dst *bool) {
	if value := os.Getenv(name); value != "" {
		*dst = envBool(value)
	}
}

func loadConfigFromEnv(cfg *Config) {
	envString("SNOOP_LISTENADDRESS", &cfg.ListenAddress)
	envInt("SNOOP_PORT", &cfg.Port)
	envInt("SNOOP_BACKLOG", &cfg.Backlog)
	envInt("SNOOP_THREADPOOL", &cfg.ThreadPool)
	envFlag("SNOOP_ENCRYPTED", &cfg.Encrypted)
	envInt("SNOOP_SHUTDOWNGRACESECONDS", &cfg.ShutdownGraceSeconds)
	envFlag("SNOOP_INSPECTTUNNELS", &cfg.InspectTunnels)
	envInt("SNOOP_TUNNELINACTIVITYSECONDS", &cfg.TunnelInactivitySeconds)
	envFlag("SNOOP_TRUSTALLUPSTREAM", &cfg.TrustAllUpstream)

	envString("SNOOP_CAFILE", &cfg.Certificates.CAFile)
	envString("SNOOP_CAKEYFILE", &cfg.Certificates.CAKeyFile)
	envString("SNOOP_CAPASSWORD", &cfg.Certificates.CAPassword)
	envString("SNOOP_DEFAULTHOSTNAME", &cfg.Certificates.DefaultHostname)
	envInt("SNOOP_KEYBITS", &cfg.Certificates.KeyBits)
	envString("SNOOP_SIGNATUREALGORITHM", &cfg.Certificates.SignatureAlgorithm)
	envString("SNOOP_CERTSTOREDIR", &cfg.Certificates.StoreDir)

	envFlag("SNOOP_AUDIT", &cfg.Audit.Enabled)
	envString("SNOOP_AUDITBACKEND", &cfg.Audit.Backend)
	envString("SNOOP_AUDITLOGPATH", &cfg.Audit.LogPath)
	envString("SNOOP_SQLITEPATH", &cfg.Audit.SQLitePath)
	envString("SNOOP_POSTGRESDSN", &cfg.Audit.PostgresDSN)
	envInt("SNOOP_AUDITFLUSHINTERVALSECONDS", &cfg.Audit.FlushIntervalSeconds)
}
