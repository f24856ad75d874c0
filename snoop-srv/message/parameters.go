package message

import (
	"net/url"
	"strings"
)

// Parameter is a named parameter with zero or more values. A parameter
// without values was given as a bare name ("?flag").
type Parameter struct {
	Name   string
	Values []string
}

// First returns the first value or "".
func (p Parameter) First() string {
	if len(p.Values) == 0 {
		return ""
	}
	return p.Values[0]
}

// Parameters is an ordered, immutable list of query or form parameters.
// Names are case sensitive.
type Parameters struct {
	list []Parameter
}

// ParseParameters splits input on sep and url-decodes names and values.
// Repeated names accumulate their values in order.
func ParseParameters(input, sep string) Parameters {
	var p Parameters
	if input == "" {
		return p
	}
	for _, part := range strings.Split(input, sep) {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		name := unescape(kv[0])
		if len(kv) == 1 {
			p.add(name, nil)
			continue
		}
		value := unescape(kv[1])
		p.add(name, &value)
	}
	return p
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

func (p *Parameters) add(name string, value *string) {
	for i := range p.list {
		if p.list[i].Name == name {
			if value != nil {
				p.list[i].Values = append(p.list[i].Values, *value)
			}
			return
		}
	}
	param := Parameter{Name: name}
	if value != nil {
		param.Values = []string{*value}
	}
	p.list = append(p.list, param)
}

func (p Parameters) clone() Parameters {
	out := Parameters{list: make([]Parameter, len(p.list))}
	for i, param := range p.list {
		out.list[i] = Parameter{Name: param.Name, Values: append([]string(nil), param.Values...)}
	}
	return out
}

// With returns a copy with value appended to name.
func (p Parameters) With(name, value string) Parameters {
	out := p.clone()
	out.add(name, &value)
	return out
}

// WithName returns a copy containing name without adding a value.
func (p Parameters) WithName(name string) Parameters {
	out := p.clone()
	out.add(name, nil)
	return out
}

// Without returns a copy with every parameter called name removed.
func (p Parameters) Without(name string) Parameters {
	out := Parameters{}
	for _, param := range p.clone().list {
		if param.Name != name {
			out.list = append(out.list, param)
		}
	}
	return out
}

func (p Parameters) Get(name string) (Parameter, bool) {
	for _, param := range p.list {
		if param.Name == name {
			return param, true
		}
	}
	return Parameter{}, false
}

// Values returns the values of name, nil when absent.
func (p Parameters) Values(name string) []string {
	param, ok := p.Get(name)
	if !ok {
		return nil
	}
	return append([]string(nil), param.Values...)
}

func (p Parameters) Len() int {
	return len(p.list)
}

// All returns a copy of the parameters in order.
func (p Parameters) All() []Parameter {
	return p.clone().list
}

// Encode renders the parameters url-encoded and joined by sep.
func (p Parameters) Encode(sep string) string {
	var parts []string
	for _, param := range p.list {
		name := url.QueryEscape(param.Name)
		if len(param.Values) == 0 {
			parts = append(parts, name)
			continue
		}
		for _, v := range param.Values {
			parts = append(parts, name+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, sep)
}

// HAR renders the parameters as HAR name/value pairs, one per value.
func (p Parameters) HAR() []map[string]any {
	out := make([]map[string]any, 0, len(p.list))
	for _, param := range p.list {
		if len(param.Values) == 0 {
			out = append(out, map[string]any{"name": param.Name, "value": ""})
			continue
		}
		for _, v := range param.Values {
			out = append(out, map[string]any{"name": param.Name, "value": v})
		}
	}
	return out
}
