package filter

import (
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/gatekeeper/pkg/socks"
)

// UnmarshalYAML parses a rule entry of the form
//
//	allow: {ip: 10.0.0.0/8, port: 22}
//	deny:  {domain: {wildcard: "*.evil.com"}, protocol: tcp}
//
// Exactly one of allow/deny must be present; absent matcher keys mean
// "match anything". All patterns are compiled here, so a bad regex or
// CIDR fails the whole load.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("filter: rule entry must be a mapping with a single allow or deny key (line %d)", node.Line)
	}
	key, val := node.Content[0], node.Content[1]
	switch key.Value {
	case "allow":
		e.Action = ActionAllow
	case "deny":
		e.Action = ActionDeny
	default:
		return fmt.Errorf("filter: unknown rule action %q (line %d)", key.Value, key.Line)
	}
	m, err := parseMatcher(val)
	if err != nil {
		return err
	}
	e.Matcher = m
	return nil
}

// MarshalYAML renders the entry back into the rule-file grammar
func (e Entry) MarshalYAML() (interface{}, error) {
	doc := map[string]interface{}{}
	if a := e.Matcher.Address; a != nil {
		if a.IsDomain() {
			key := "pattern"
			if a.IsWildcard() {
				key = "wildcard"
			}
			doc["domain"] = map[string]string{key: a.Raw()}
		} else {
			doc["ip"] = a.Raw()
		}
	}
	if e.Matcher.Port != nil {
		doc["port"] = *e.Matcher.Port
	}
	if e.Matcher.Protocol != nil {
		doc["protocol"] = e.Matcher.Protocol.String()
	}
	return map[string]interface{}{e.Action.String(): doc}, nil
}

// parseMatcher reads the matcher mapping under an allow/deny key. A null
// or empty value is the match-anything matcher.
func parseMatcher(node *yaml.Node) (Matcher, error) {
	var m Matcher
	if node.Tag == "!!null" {
		return m, nil
	}
	if node.Kind != yaml.MappingNode {
		return m, fmt.Errorf("filter: matcher must be a mapping (line %d)", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "ip":
			if m.Address != nil {
				return m, fmt.Errorf("filter: ip and domain are mutually exclusive (line %d)", key.Line)
			}
			am, err := IPMatcher(val.Value)
			if err != nil {
				return m, err
			}
			m.Address = am
		case "domain":
			if m.Address != nil {
				return m, fmt.Errorf("filter: ip and domain are mutually exclusive (line %d)", key.Line)
			}
			am, err := parseDomain(val)
			if err != nil {
				return m, err
			}
			m.Address = am
		case "port":
			port, err := strconv.ParseUint(val.Value, 10, 16)
			if err != nil {
				return m, fmt.Errorf("filter: invalid port %q (line %d)", val.Value, val.Line)
			}
			p := uint16(port)
			m.Port = &p
		case "protocol":
			if val.Value != "tcp" {
				return m, fmt.Errorf("filter: unsupported protocol %q (line %d)", val.Value, val.Line)
			}
			proto := socks.ProtocolTCP
			m.Protocol = &proto
		default:
			return m, fmt.Errorf("filter: unknown matcher key %q (line %d)", key.Value, key.Line)
		}
	}
	return m, nil
}

// parseDomain reads a domain matcher: a mapping with exactly one of
// pattern (verbatim regex) or wildcard. Both at once is rejected.
func parseDomain(node *yaml.Node) (*AddressMatcher, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return nil, fmt.Errorf("filter: domain must carry exactly one of pattern or wildcard (line %d)", node.Line)
	}
	key, val := node.Content[0], node.Content[1]
	switch key.Value {
	case "pattern":
		return DomainPatternMatcher(val.Value)
	case "wildcard":
		return DomainWildcardMatcher(val.Value)
	default:
		return nil, fmt.Errorf("filter: unknown domain key %q (line %d)", key.Value, key.Line)
	}
}

// LoadRules reads a YAML rule file: either a bare sequence of entries or
// a mapping with a top-level rules key.
func LoadRules(r io.Reader) (*RuleSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("filter: invalid rule file: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("filter: empty rule file")
	}

	var entries []Entry
	switch doc := root.Content[0]; doc.Kind {
	case yaml.SequenceNode:
		if err := doc.Decode(&entries); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var wrapper struct {
			Rules []Entry `yaml:"rules"`
		}
		if err := doc.Decode(&wrapper); err != nil {
			return nil, err
		}
		entries = wrapper.Rules
	default:
		return nil, fmt.Errorf("filter: rule file must be a sequence of entries or a mapping with a rules key")
	}
	return NewRuleSet(entries)
}
