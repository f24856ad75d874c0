package config

// ClassifierType defines the type of classifier for host matching.
type ClassifierType int

const (
	// ClassifierTypeAnd represents a logical AND operation across multiple classifiers.
	ClassifierTypeAnd ClassifierType = iota
	// ClassifierTypeOr represents a logical OR operation across multiple classifiers.
	ClassifierTypeOr
	// ClassifierTypeNot represents a logical NOT operation on a classifier.
	ClassifierTypeNot
	// ClassifierTypeDomain matches against a domain name.
	ClassifierTypeDomain
	// ClassifierTypeDomains matches against an inline list of domains.
	ClassifierTypeDomains
	// ClassifierTypeDomainsFile matches against domains loaded from a file.
	ClassifierTypeDomainsFile
	// ClassifierTypeRef references another classifier by name.
	ClassifierTypeRef
	// ClassifierTypeIP matches against an IP address.
	ClassifierTypeIP
	// ClassifierTypeNetwork matches against a network range.
	ClassifierTypeNetwork
	// ClassifierTypePort matches against a port number.
	ClassifierTypePort
	ClassifierTypeTrue
	ClassifierTypeFalse
)

// ClassifierOp defines the operation type for string comparisons.
type ClassifierOp int

const (
	// ClassifierOpEqual checks for equality.
	ClassifierOpEqual ClassifierOp = iota
	// ClassifierOpNotEqual checks for inequality.
	ClassifierOpNotEqual
	// ClassifierOpContains checks if the host contains the value.
	ClassifierOpContains
	// ClassifierOpNotContains checks if the host does not contain the value.
	ClassifierOpNotContains
	// ClassifierOpIs matches the domain itself and all of its subdomains.
	ClassifierOpIs
)

// Classifier defines the interface for all classifier configurations.
// Matching is implemented by the proxy package.
type Classifier interface {
	Type() ClassifierType
}

type ClassifierAnd struct {
	Classifiers []Classifier
}

func (c *ClassifierAnd) Type() ClassifierType { return ClassifierTypeAnd }

type ClassifierOr struct {
	Classifiers []Classifier
}

func (c *ClassifierOr) Type() ClassifierType { return ClassifierTypeOr }

type ClassifierNot struct {
	Classifier Classifier
}

func (c *ClassifierNot) Type() ClassifierType { return ClassifierTypeNot }

// ClassifierDomain compares the host against one domain.
type ClassifierDomain struct {
	Op     ClassifierOp
	Domain string
}

func (c *ClassifierDomain) Type() ClassifierType { return ClassifierTypeDomain }

// ClassifierDomains matches a host equal to, or a subdomain of, any listed domain.
type ClassifierDomains struct {
	Domains []string
}

func (c *ClassifierDomains) Type() ClassifierType { return ClassifierTypeDomains }

// ClassifierDomainsFile holds the path to a hosts-style file of domains.
type ClassifierDomainsFile struct {
	FilePath string
}

func (c *ClassifierDomainsFile) Type() ClassifierType { return ClassifierTypeDomainsFile }

// ClassifierRef references a named classifier from the classifiers section.
type ClassifierRef struct {
	Id string
}

func (c *ClassifierRef) Type() ClassifierType { return ClassifierTypeRef }

type ClassifierIP struct {
	IP string
}

func (c *ClassifierIP) Type() ClassifierType { return ClassifierTypeIP }

type ClassifierNetwork struct {
	CIDR string
}

func (c *ClassifierNetwork) Type() ClassifierType { return ClassifierTypeNetwork }

type ClassifierPort struct {
	Port int
}

func (c *ClassifierPort) Type() ClassifierType { return ClassifierTypePort }

// ClassifierTrue always matches.
type ClassifierTrue struct{}

func (c *ClassifierTrue) Type() ClassifierType { return ClassifierTypeTrue }

// ClassifierFalse never matches.
type ClassifierFalse struct{}

func (c *ClassifierFalse) Type() ClassifierType { return ClassifierTypeFalse }
