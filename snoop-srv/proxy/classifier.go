package proxy

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/authlab/snoop/snoop-srv/config"
	"github.com/authlab/snoop/snoop-srv/logger"
)

// ClassifierInput describes the target a classifier decides about.
type ClassifierInput struct {
	host string
	ip   net.IP
	port uint16
}

// NewClassifierInput builds the input for a target host and port. Hosts that
// are IP literals also feed the ip and network classifiers.
func NewClassifierInput(host string, port int) ClassifierInput {
	host = strings.ToLower(strings.TrimSuffix(strings.Trim(host, "[]"), "."))
	return ClassifierInput{
		host: host,
		ip:   net.ParseIP(host),
		port: uint16(port),
	}
}

// Classifier decides whether a target belongs to some class of hosts.
type Classifier interface {
	Classify(input ClassifierInput) (bool, error)
}

type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		ok, err := classifier.Classify(input)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Classify(input ClassifierInput) (bool, error) {
	for _, classifier := range c.Classifiers {
		ok, err := classifier.Classify(input)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Classify(input ClassifierInput) (bool, error) {
	ok, err := c.Classifier.Classify(input)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// ClassifierStr compares the host against a single string.
type ClassifierStr struct {
	Op    config.ClassifierOp
	Value string
}

func (c *ClassifierStr) Classify(input ClassifierInput) (bool, error) {
	switch c.Op {
	case config.ClassifierOpEqual:
		return input.host == c.Value, nil
	case config.ClassifierOpNotEqual:
		return input.host != c.Value, nil
	case config.ClassifierOpContains:
		return strings.Contains(input.host, c.Value), nil
	case config.ClassifierOpNotContains:
		return !strings.Contains(input.host, c.Value), nil
	case config.ClassifierOpIs:
		return isDomainOrSubdomain(input.host, c.Value), nil
	default:
		return false, fmt.Errorf("unsupported classifier operation: %d", c.Op)
	}
}

// ClassifierDomains matches hosts equal to, or below, any domain in the
// list. An Aho-Corasick trie finds candidate domains in one pass over the
// host.
type ClassifierDomains struct {
	Trie       *ahocorasick.Trie
	DomainList []string
}

// NewClassifierDomains builds the trie for domains. An empty list never
// matches.
func NewClassifierDomains(domains []string) *ClassifierDomains {
	list := make([]string, 0, len(domains))
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(domain, "*."), "."))
		if domain != "" {
			list = append(list, domain)
		}
	}
	c := &ClassifierDomains{DomainList: list}
	if len(list) > 0 {
		c.Trie = ahocorasick.NewTrieBuilder().AddStrings(list).Build()
	}
	return c
}

func (c *ClassifierDomains) Classify(input ClassifierInput) (bool, error) {
	if c.Trie == nil {
		return false, nil
	}
	for _, match := range c.Trie.MatchString(input.host) {
		if isDomainOrSubdomain(input.host, c.DomainList[match.Pattern()]) {
			return true, nil
		}
	}
	return false, nil
}

func isDomainOrSubdomain(host, domain string) bool {
	if host == domain {
		return true
	}
	return len(host) > len(domain) && strings.HasSuffix(host, domain) && host[len(host)-len(domain)-1] == '.'
}

var rgComment = regexp.MustCompile(`\A(.*?)[ \t\v]*(?:[#;].*)?\z`)
var rgSplitDomains = regexp.MustCompile(`[ \t\v]+`)

// NewClassifierDomainsFile loads a hosts-style file. Each line holds one or
// more domains; "#" and ";" start comments and "0.0.0.0" sink addresses are
// skipped.
func NewClassifierDomainsFile(filePath string) (*ClassifierDomains, error) {
	cleanPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open domains file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing domains file: %v", closeErr)
		}
	}()

	var domains []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		line = rgComment.FindStringSubmatch(line)[1]
		for _, domain := range rgSplitDomains.Split(line, -1) {
			if domain == "0.0.0.0" || domain == "127.0.0.1" {
				continue
			}
			domains = append(domains, domain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading domains file: %w", err)
	}

	c := NewClassifierDomains(domains)
	if len(c.DomainList) == 0 {
		logger.Warn("No domains found in file: %s", filePath)
	} else {
		logger.Info("Loaded %d domains from %s", len(c.DomainList), filePath)
	}
	return c, nil
}

// ClassifierRef resolves a named classifier when it is evaluated, so named
// classifiers may reference each other regardless of declaration order.
type ClassifierRef struct {
	Id    string
	named map[string]Classifier
}

func (c *ClassifierRef) Classify(input ClassifierInput) (bool, error) {
	target, ok := c.named[c.Id]
	if !ok {
		return false, fmt.Errorf("classifier reference not found: %s", c.Id)
	}
	return target.Classify(input)
}

// ClassifierIP matches targets given as an IP literal equal to IP.
type ClassifierIP struct {
	IP net.IP
}

func (c *ClassifierIP) Classify(input ClassifierInput) (bool, error) {
	return input.ip != nil && input.ip.Equal(c.IP), nil
}

// ClassifierNetwork matches targets given as an IP literal inside Net.
type ClassifierNetwork struct {
	Net *net.IPNet
}

func (c *ClassifierNetwork) Classify(input ClassifierInput) (bool, error) {
	return input.ip != nil && c.Net.Contains(input.ip), nil
}

type ClassifierPort struct {
	Port uint16
}

func (c *ClassifierPort) Classify(input ClassifierInput) (bool, error) {
	return input.port == c.Port, nil
}

type ClassifierTrue struct{}

func (c *ClassifierTrue) Classify(ClassifierInput) (bool, error) { return true, nil }

type ClassifierFalse struct{}

func (c *ClassifierFalse) Classify(ClassifierInput) (bool, error) { return false, nil }

// CompileClassifier turns a classifier configuration into a matcher. Refs
// are resolved against named at evaluation time; named may be nil.
func CompileClassifier(classifier config.Classifier, named map[string]Classifier) (Classifier, error) {
	if classifier == nil {
		return &ClassifierFalse{}, nil
	}

	switch c := classifier.(type) {
	case *config.ClassifierAnd:
		compiled, err := compileAll(c.Classifiers, named)
		if err != nil {
			return nil, err
		}
		return &ClassifierAnd{Classifiers: compiled}, nil
	case *config.ClassifierOr:
		if domains, ok := collectDomains(c); ok {
			return NewClassifierDomains(domains), nil
		}
		compiled, err := compileAll(c.Classifiers, named)
		if err != nil {
			return nil, err
		}
		return &ClassifierOr{Classifiers: compiled}, nil
	case *config.ClassifierNot:
		inner, err := CompileClassifier(c.Classifier, named)
		if err != nil {
			return nil, err
		}
		return &ClassifierNot{Classifier: inner}, nil
	case *config.ClassifierDomain:
		return &ClassifierStr{Op: c.Op, Value: strings.ToLower(c.Domain)}, nil
	case *config.ClassifierDomains:
		return NewClassifierDomains(c.Domains), nil
	case *config.ClassifierDomainsFile:
		return NewClassifierDomainsFile(c.FilePath)
	case *config.ClassifierRef:
		if named == nil {
			named = map[string]Classifier{}
		}
		return &ClassifierRef{Id: c.Id, named: named}, nil
	case *config.ClassifierIP:
		ip := net.ParseIP(c.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address: %q", c.IP)
		}
		return &ClassifierIP{IP: ip}, nil
	case *config.ClassifierNetwork:
		_, ipNet, err := net.ParseCIDR(c.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR format %q: %w", c.CIDR, err)
		}
		return &ClassifierNetwork{Net: ipNet}, nil
	case *config.ClassifierPort:
		if c.Port < 0 || c.Port > 65535 {
			return nil, fmt.Errorf("invalid port: %d", c.Port)
		}
		return &ClassifierPort{Port: uint16(c.Port)}, nil
	case *config.ClassifierTrue:
		return &ClassifierTrue{}, nil
	case *config.ClassifierFalse:
		return &ClassifierFalse{}, nil
	default:
		return nil, fmt.Errorf("unsupported classifier type: %v", classifier.Type())
	}
}

func compileAll(classifiers []config.Classifier, named map[string]Classifier) ([]Classifier, error) {
	compiled := make([]Classifier, 0, len(classifiers))
	for _, c := range classifiers {
		cc, err := CompileClassifier(c, named)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cc)
	}
	return compiled, nil
}

// collectDomains reports the domains of an OR made only of "is" domain
// checks and inline domain lists, which a single trie can serve.
func collectDomains(or *config.ClassifierOr) ([]string, bool) {
	if len(or.Classifiers) < 2 {
		return nil, false
	}
	var domains []string
	for _, c := range or.Classifiers {
		switch c := c.(type) {
		case *config.ClassifierDomain:
			if c.Op != config.ClassifierOpIs {
				return nil, false
			}
			domains = append(domains, c.Domain)
		case *config.ClassifierDomains:
			domains = append(domains, c.Domains...)
		default:
			return nil, false
		}
	}
	return domains, true
}

// CompileClassifiersMap compiles the named classifiers section. References
// between entries resolve against the returned map.
func CompileClassifiersMap(classifiers map[string]config.Classifier) (map[string]Classifier, error) {
	result := make(map[string]Classifier, len(classifiers))
	for name, classifier := range classifiers {
		compiled, err := CompileClassifier(classifier, result)
		if err != nil {
			return nil, fmt.Errorf("failed to compile classifier %q: %w", name, err)
		}
		result[name] = compiled
	}
	return result, nil
}

// classify evaluates c and treats evaluation errors as a non-match.
func classify(c Classifier, input ClassifierInput) bool {
	if c == nil {
		return false
	}
	ok, err := c.Classify(input)
	if err != nil {
		logger.Warn("Classifier failed for %s: %v", input.host, err)
		return false
	}
	return ok
}
