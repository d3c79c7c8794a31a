// Package transform applies rule-driven redaction to recorded spans between
// end and export.
package transform

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	errdefs "github.com/nmxmxh/tuskdrift/pkg/errors"
)

// Direction selects which side of the host a rule applies to.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ActionType is what a matching rule does to the nominated field.
type ActionType string

const (
	ActionRedact  ActionType = "redact"
	ActionMask    ActionType = "mask"
	ActionReplace ActionType = "replace"
	ActionDrop    ActionType = "drop"
)

// Rule pairs a matcher with an action. Exactly one field target
// (HeaderName, JSONPath, QueryParam, URLPath, FullBody) may be set, except
// for drop rules, which blank the whole span.
type Rule struct {
	Direction Direction `yaml:"direction"`
	Methods   []string  `yaml:"methods,omitempty"`
	Path      string    `yaml:"path,omitempty"` // regex
	Host      string    `yaml:"host,omitempty"` // regex

	HeaderName string `yaml:"headerName,omitempty"`
	JSONPath   string `yaml:"jsonPath,omitempty"`
	QueryParam string `yaml:"queryParam,omitempty"`
	URLPath    bool   `yaml:"urlPath,omitempty"`
	FullBody   bool   `yaml:"fullBody,omitempty"`

	Action      ActionType `yaml:"action"`
	HashPrefix  string     `yaml:"hashPrefix,omitempty"`
	MaskChar    string     `yaml:"maskChar,omitempty"`
	Replacement string     `yaml:"replacement,omitempty"`
}

type compiledRule struct {
	Rule
	pathRe  *regexp.Regexp
	hostRe  *regexp.Regexp
	methods map[string]struct{}
}

func compile(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{Rule: r}

		switch r.Action {
		case ActionRedact, ActionMask, ActionReplace, ActionDrop:
		default:
			return nil, fmt.Errorf("%w: rule %d: unknown action %q", errdefs.ErrInvalidRule, i, r.Action)
		}
		if r.Action != ActionDrop && targetCount(r) != 1 {
			return nil, fmt.Errorf("%w: rule %d: exactly one field target required", errdefs.ErrInvalidRule, i)
		}

		if r.Path != "" {
			re, err := regexp.Compile(r.Path)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: path pattern: %v", errdefs.ErrInvalidRule, i, err)
			}
			cr.pathRe = re
		}
		if r.Host != "" {
			re, err := regexp.Compile(r.Host)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: host pattern: %v", errdefs.ErrInvalidRule, i, err)
			}
			cr.hostRe = re
		}
		if len(r.Methods) > 0 {
			cr.methods = make(map[string]struct{}, len(r.Methods))
			for _, m := range r.Methods {
				cr.methods[strings.ToUpper(m)] = struct{}{}
			}
		}
		out = append(out, cr)
	}
	return out, nil
}

func targetCount(r Rule) int {
	n := 0
	if r.HeaderName != "" {
		n++
	}
	if r.JSONPath != "" {
		n++
	}
	if r.QueryParam != "" {
		n++
	}
	if r.URLPath {
		n++
	}
	if r.FullBody {
		n++
	}
	return n
}

type ruleFile struct {
	Rules []map[string]interface{} `yaml:"rules"`
}

// LoadFile reads a YAML rule file. Invalid rules are fatal at load.
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML rule bytes.
func Parse(raw []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidRule, err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, entry := range file.Rules {
		var r Rule
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "yaml",
			WeaklyTypedInput: true,
			Result:           &r,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(entry); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", errdefs.ErrInvalidRule, i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
