package policy

import (
	"fmt"
	"net"
	"sync"

	"rbl-policyd/pkg/config"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Context is the environment exemption rules are evaluated against
type Context struct {
	ClientIP string
	Reversed string
}

// NewContext creates an evaluation context for a request
func NewContext(req *Request) Context {
	return Context{
		ClientIP: req.Client.String(),
		Reversed: req.Reversed,
	}
}

// Rule is an exemption rule. A client matching it is answered DUNNO
// without any blocklist lookup.
type Rule struct {
	Name    string
	Logic   string
	program *vm.Program
}

// Engine evaluates exemption rules in order
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine creates an empty engine
func NewEngine() *Engine {
	return &Engine{}
}

// NewExemptions compiles the configured rules
func NewExemptions(rules []config.ExemptionRule) (*Engine, error) {
	e := NewEngine()
	for _, r := range rules {
		if err := e.AddRule(&Rule{Name: r.Name, Logic: r.Logic}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ruleOptions declares the environment and helpers available to rules
var ruleOptions = []expr.Option{
	expr.Env(Context{}),
	expr.AsBool(),
	expr.Function("IPInCIDR",
		func(params ...any) (any, error) {
			return IPInCIDR(params[0].(string), params[1].(string)), nil
		},
		new(func(string, string) bool),
	),
	expr.Function("IPEquals",
		func(params ...any) (any, error) {
			return IPEquals(params[0].(string), params[1].(string)), nil
		},
		new(func(string, string) bool),
	),
}

// AddRule compiles and appends a rule
func (e *Engine) AddRule(rule *Rule) error {
	program, err := expr.Compile(rule.Logic, ruleOptions...)
	if err != nil {
		return fmt.Errorf("exemption %q: %w", rule.Name, err)
	}
	rule.program = program

	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
	return nil
}

// Count returns the number of rules
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate returns the first rule matching ctx. A rule that fails at run
// time does not match.
func (e *Engine) Evaluate(ctx Context) (bool, *Rule) {
	if e == nil {
		return false, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rule := range e.rules {
		out, err := expr.Run(rule.program, ctx)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true, rule
		}
	}
	return false, nil
}

// IPInCIDR reports whether ip lies within cidr
func IPInCIDR(ip, cidr string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return network.Contains(parsed)
}

// IPEquals reports whether both strings are the same address
func IPEquals(a, b string) bool {
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	return ipA != nil && ipB != nil && ipA.Equal(ipB)
}
