package proxy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/authlab/snoop/snoop-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClassifier struct {
	result bool
	err    error
}

func (m *mockClassifier) Classify(ClassifierInput) (bool, error) {
	return m.result, m.err
}

var errTest = errors.New("test error")

func TestClassifierAnd_Classify(t *testing.T) {
	tests := []struct {
		name        string
		classifiers []Classifier
		expected    bool
		wantErr     bool
	}{
		{"All true", []Classifier{&mockClassifier{result: true}, &mockClassifier{result: true}}, true, false},
		{"One false", []Classifier{&mockClassifier{result: true}, &mockClassifier{result: false}}, false, false},
		{"One error", []Classifier{&mockClassifier{result: true}, &mockClassifier{err: errTest}}, false, true},
		{"Empty", nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &ClassifierAnd{Classifiers: tt.classifiers}
			result, err := c.Classify(NewClassifierInput("example.com", 443))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestClassifierOr_Classify(t *testing.T) {
	tests := []struct {
		name        string
		classifiers []Classifier
		expected    bool
		wantErr     bool
	}{
		{"All false", []Classifier{&mockClassifier{}, &mockClassifier{}}, false, false},
		{"One true", []Classifier{&mockClassifier{}, &mockClassifier{result: true}}, true, false},
		{"True before error", []Classifier{&mockClassifier{result: true}, &mockClassifier{err: errTest}}, true, false},
		{"Error first", []Classifier{&mockClassifier{err: errTest}, &mockClassifier{result: true}}, false, true},
		{"Empty", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &ClassifierOr{Classifiers: tt.classifiers}
			result, err := c.Classify(NewClassifierInput("example.com", 443))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestClassifierNot_Classify(t *testing.T) {
	input := NewClassifierInput("example.com", 80)

	result, err := (&ClassifierNot{Classifier: &mockClassifier{result: true}}).Classify(input)
	require.NoError(t, err)
	assert.False(t, result)

	result, err = (&ClassifierNot{Classifier: &mockClassifier{}}).Classify(input)
	require.NoError(t, err)
	assert.True(t, result)

	_, err = (&ClassifierNot{Classifier: &mockClassifier{err: errTest}}).Classify(input)
	assert.ErrorIs(t, err, errTest)
}

func TestClassifierStr_Classify(t *testing.T) {
	tests := []struct {
		name     string
		op       config.ClassifierOp
		value    string
		host     string
		expected bool
	}{
		{"equal", config.ClassifierOpEqual, "example.com", "example.com", true},
		{"equal ignores case of host", config.ClassifierOpEqual, "example.com", "EXAMPLE.com", true},
		{"equal subdomain", config.ClassifierOpEqual, "example.com", "www.example.com", false},
		{"not equal", config.ClassifierOpNotEqual, "example.com", "other.com", true},
		{"contains", config.ClassifierOpContains, "ample", "example.com", true},
		{"not contains", config.ClassifierOpNotContains, "ample", "example.com", false},
		{"is exact", config.ClassifierOpIs, "example.com", "example.com", true},
		{"is subdomain", config.ClassifierOpIs, "example.com", "api.example.com", true},
		{"is suffix only", config.ClassifierOpIs, "example.com", "badexample.com", false},
		{"is trailing dot", config.ClassifierOpIs, "example.com", "www.example.com.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &ClassifierStr{Op: tt.op, Value: tt.value}
			result, err := c.Classify(NewClassifierInput(tt.host, 443))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}

	_, err := (&ClassifierStr{Op: config.ClassifierOp(99), Value: "x"}).Classify(NewClassifierInput("x", 1))
	assert.Error(t, err)
}

func TestClassifierDomains(t *testing.T) {
	c := NewClassifierDomains([]string{"example.com", "*.tracker.net", "ads.example.org.", ""})
	assert.Equal(t, []string{"example.com", "tracker.net", "ads.example.org"}, c.DomainList)

	tests := []struct {
		host     string
		expected bool
	}{
		{"example.com", true},
		{"www.example.com", true},
		{"deep.sub.example.com", true},
		{"notexample.com", false},
		{"example.com.evil.io", false},
		{"cdn.tracker.net", true},
		{"tracker.net", true},
		{"ads.example.org", true},
		{"example.org", false},
		{"Example.COM", true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			result, err := c.Classify(NewClassifierInput(tt.host, 443))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestClassifierDomainsEmpty(t *testing.T) {
	c := NewClassifierDomains(nil)
	result, err := c.Classify(NewClassifierInput("example.com", 443))
	require.NoError(t, err)
	assert.False(t, result)
}

func TestClassifierDomainsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	content := "# blocklist\n" +
		"0.0.0.0 ads.example.com tracker.example.com\n" +
		"127.0.0.1 localhost.example\n" +
		"; another comment\n" +
		"\n" +
		"metrics.example.net # trailing comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := NewClassifierDomainsFile(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ads.example.com", "tracker.example.com", "localhost.example", "metrics.example.net"}, c.DomainList)

	for host, expected := range map[string]bool{
		"ads.example.com":       true,
		"x.metrics.example.net": true,
		"example.com":           false,
		"0.0.0.0":               false,
	} {
		result, err := c.Classify(NewClassifierInput(host, 443))
		require.NoError(t, err)
		assert.Equal(t, expected, result, host)
	}

	_, err = NewClassifierDomainsFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestClassifierIPAndNetwork(t *testing.T) {
	ip, err := CompileClassifier(&config.ClassifierIP{IP: "10.0.0.1"}, nil)
	require.NoError(t, err)
	network, err := CompileClassifier(&config.ClassifierNetwork{CIDR: "10.0.0.0/8"}, nil)
	require.NoError(t, err)
	network6, err := CompileClassifier(&config.ClassifierNetwork{CIDR: "fd00::/8"}, nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		classifier Classifier
		host       string
		expected   bool
	}{
		{"ip match", ip, "10.0.0.1", true},
		{"ip mismatch", ip, "10.0.0.2", false},
		{"ip hostname", ip, "example.com", false},
		{"network inside", network, "10.200.1.1", true},
		{"network outside", network, "192.168.1.1", false},
		{"network hostname", network, "10.example.com", false},
		{"network v6 bracketed", network6, "[fd00::1]", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.classifier.Classify(NewClassifierInput(tt.host, 443))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}

	_, err = CompileClassifier(&config.ClassifierIP{IP: "not-an-ip"}, nil)
	assert.Error(t, err)
	_, err = CompileClassifier(&config.ClassifierNetwork{CIDR: "10.0.0.0"}, nil)
	assert.Error(t, err)
}

func TestClassifierPort(t *testing.T) {
	c, err := CompileClassifier(&config.ClassifierPort{Port: 8443}, nil)
	require.NoError(t, err)

	result, _ := c.Classify(NewClassifierInput("example.com", 8443))
	assert.True(t, result)
	result, _ = c.Classify(NewClassifierInput("example.com", 443))
	assert.False(t, result)

	_, err = CompileClassifier(&config.ClassifierPort{Port: 70000}, nil)
	assert.Error(t, err)
}

func TestCompileClassifierNilNeverMatches(t *testing.T) {
	c, err := CompileClassifier(nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &ClassifierFalse{}, c)
}

func TestCompileClassifierMergesDomainOr(t *testing.T) {
	c, err := CompileClassifier(&config.ClassifierOr{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "example.com"},
		&config.ClassifierDomains{Domains: []string{"example.org", "example.net"}},
	}}, nil)
	require.NoError(t, err)

	domains, ok := c.(*ClassifierDomains)
	require.True(t, ok, "expected a single trie, got %T", c)
	assert.Len(t, domains.DomainList, 3)

	result, _ := c.Classify(NewClassifierInput("www.example.net", 443))
	assert.True(t, result)
}

func TestCompileClassifierKeepsMixedOr(t *testing.T) {
	c, err := CompileClassifier(&config.ClassifierOr{Classifiers: []config.Classifier{
		&config.ClassifierDomain{Op: config.ClassifierOpContains, Domain: "example"},
		&config.ClassifierPort{Port: 22},
	}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ClassifierOr{}, c)

	result, _ := c.Classify(NewClassifierInput("host.local", 22))
	assert.True(t, result)
	result, _ = c.Classify(NewClassifierInput("host.local", 23))
	assert.False(t, result)
}

func TestCompileClassifiersMapResolvesRefs(t *testing.T) {
	named, err := CompileClassifiersMap(map[string]config.Classifier{
		"internal": &config.ClassifierOr{Classifiers: []config.Classifier{
			&config.ClassifierRef{Id: "corp"},
			&config.ClassifierNetwork{CIDR: "10.0.0.0/8"},
		}},
		"corp":    &config.ClassifierDomain{Op: config.ClassifierOpIs, Domain: "corp.example"},
		"nowhere": &config.ClassifierRef{Id: "missing"},
	})
	require.NoError(t, err)
	require.Len(t, named, 3)

	internal := named["internal"]
	result, err := internal.Classify(NewClassifierInput("git.corp.example", 443))
	require.NoError(t, err)
	assert.True(t, result)

	result, err = internal.Classify(NewClassifierInput("10.1.2.3", 443))
	require.NoError(t, err)
	assert.True(t, result)

	result, err = internal.Classify(NewClassifierInput("example.com", 443))
	require.NoError(t, err)
	assert.False(t, result)

	_, err = named["nowhere"].Classify(NewClassifierInput("example.com", 443))
	assert.Error(t, err)
	assert.False(t, classify(named["nowhere"], NewClassifierInput("example.com", 443)))
}

func TestClassifyNil(t *testing.T) {
	assert.False(t, classify(nil, NewClassifierInput("example.com", 443)))
	assert.True(t, classify(&ClassifierTrue{}, NewClassifierInput("example.com", 443)))
}

func TestNewClassifierInput(t *testing.T) {
	input := NewClassifierInput("[::1]", 8080)
	assert.Equal(t, "::1", input.host)
	assert.NotNil(t, input.ip)
	assert.Equal(t, uint16(8080), input.port)

	input = NewClassifierInput("WWW.Example.COM.", 443)
	assert.Equal(t, "www.example.com", input.host)
	assert.Nil(t, input.ip)
}
