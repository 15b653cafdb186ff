package control

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/elazarl/intercept"
	"github.com/elazarl/intercept/match"
)

// RuleSpec describes a breakpoint rule in JSON. The set fields are ANDed;
// a spec with no field set matches every exchange.
type RuleSpec struct {
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Direction string   `json:"direction,omitempty" yaml:"direction,omitempty"`
	Methods   []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	URLPrefix string   `json:"urlPrefix,omitempty" yaml:"url_prefix,omitempty"`
	URLRegexp string   `json:"urlRegexp,omitempty" yaml:"url_regexp,omitempty"`
	Hosts     []string `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Status    []int    `json:"status,omitempty" yaml:"status,omitempty"`
	Contains  string   `json:"contains,omitempty" yaml:"contains,omitempty"`
	// JSONPath and JSONValue match a gjson path in a JSON body.
	JSONPath  string `json:"jsonPath,omitempty" yaml:"json_path,omitempty"`
	JSONValue string `json:"jsonValue,omitempty" yaml:"json_value,omitempty"`
}

// Condition compiles the spec.
func (r RuleSpec) Condition() (match.Condition, error) {
	var conds []match.Condition
	if len(r.Methods) > 0 {
		conds = append(conds, match.MethodIs(r.Methods...))
	}
	if r.URLPrefix != "" {
		conds = append(conds, match.URLHasPrefix(r.URLPrefix))
	}
	if r.URLRegexp != "" {
		re, err := regexp.Compile(r.URLRegexp)
		if err != nil {
			return nil, fmt.Errorf("urlRegexp: %w", err)
		}
		conds = append(conds, match.URLMatches(re))
	}
	if len(r.Hosts) > 0 {
		conds = append(conds, match.HostIs(r.Hosts...))
	}
	if len(r.Status) > 0 {
		conds = append(conds, match.StatusIs(r.Status...))
	}
	if r.Contains != "" {
		conds = append(conds, match.BodyContains(r.Contains))
	}
	if r.JSONPath != "" {
		conds = append(conds, match.JSONField(r.JSONPath, r.JSONValue))
	} else if r.JSONValue != "" {
		return nil, errors.New("jsonValue needs a jsonPath")
	}
	switch len(conds) {
	case 0:
		return match.Always, nil
	case 1:
		return conds[0], nil
	}
	return match.All(conds...), nil
}

// String is the default rule name.
func (r RuleSpec) String() string {
	var parts []string
	if len(r.Methods) > 0 {
		parts = append(parts, "method="+strings.Join(r.Methods, ","))
	}
	if r.URLPrefix != "" {
		parts = append(parts, "url^="+r.URLPrefix)
	}
	if r.URLRegexp != "" {
		parts = append(parts, "url~="+r.URLRegexp)
	}
	if len(r.Hosts) > 0 {
		parts = append(parts, "host="+strings.Join(r.Hosts, ","))
	}
	if len(r.Status) > 0 {
		parts = append(parts, fmt.Sprintf("status=%v", r.Status))
	}
	if r.Contains != "" {
		parts = append(parts, "body*="+r.Contains)
	}
	if r.JSONPath != "" {
		parts = append(parts, r.JSONPath+"="+r.JSONValue)
	}
	if len(parts) == 0 {
		return "always"
	}
	return strings.Join(parts, " ")
}

type ruleView struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Direction string    `json:"direction"`
	Spec      *RuleSpec `json:"spec,omitempty"`
}

// ruleSet remembers the specs of rules added over the API. Rules added in
// process have no spec.
type ruleSet struct {
	mu    sync.Mutex
	specs map[int64]RuleSpec
}

func newRuleSet() *ruleSet {
	return &ruleSet{specs: make(map[int64]RuleSpec)}
}

func (rs *ruleSet) put(id int64, spec RuleSpec) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.specs[id] = spec
}

func (rs *ruleSet) delete(id int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.specs, id)
}

func (rs *ruleSet) view(rule intercept.BreakpointRule) ruleView {
	v := ruleView{ID: rule.ID, Name: rule.Name, Direction: rule.Direction.String()}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if spec, ok := rs.specs[rule.ID]; ok {
		v.Spec = &spec
	}
	return v
}
