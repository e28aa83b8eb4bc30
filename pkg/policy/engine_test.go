package policy

import (
	"net/netip"
	"testing"

	"rbl-policyd/pkg/config"
)

func TestNewEngine(t *testing.T) {
	e := NewEngine()
	if e == nil {
		t.Fatal("NewEngine() returned nil")
	}

	if e.Count() != 0 {
		t.Errorf("expected 0 rules, got %d", e.Count())
	}
}

func TestAddRule(t *testing.T) {
	e := NewEngine()
	rule := &Rule{
		Name:  "Test Rule",
		Logic: "true",
	}
	err := e.AddRule(rule)
	if err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}
	if e.Count() != 1 {
		t.Errorf("expected 1 rule, got %d", e.Count())
	}
}

func TestAddRule_InvalidLogic(t *testing.T) {
	tests := []struct {
		name  string
		logic string
	}{
		{"syntax error", "invalid expression!!"},
		{"unknown field", `Domain == "example.com"`},
		{"not a boolean", `ClientIP`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine()
			if err := e.AddRule(&Rule{Name: tt.name, Logic: tt.logic}); err == nil {
				t.Errorf("expected error for %q, got nil", tt.logic)
			}
			if e.Count() != 0 {
				t.Error("invalid rule must not be added")
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name        string
		logic       string
		clientIP    string
		shouldMatch bool
	}{
		{
			name:        "always",
			logic:       "true",
			clientIP:    "203.0.113.7",
			shouldMatch: true,
		},
		{
			name:        "never",
			logic:       "false",
			clientIP:    "203.0.113.7",
			shouldMatch: false,
		},
		{
			name:        "IPInCIDR match",
			logic:       `IPInCIDR(ClientIP, "192.168.1.0/24")`,
			clientIP:    "192.168.1.50",
			shouldMatch: true,
		},
		{
			name:        "IPInCIDR miss",
			logic:       `IPInCIDR(ClientIP, "192.168.1.0/24")`,
			clientIP:    "192.168.2.50",
			shouldMatch: false,
		},
		{
			name:        "IPEquals",
			logic:       `IPEquals(ClientIP, "127.0.0.1")`,
			clientIP:    "127.0.0.1",
			shouldMatch: true,
		},
		{
			name:        "reversed prefix",
			logic:       `Reversed endsWith ".10"`,
			clientIP:    "10.1.2.3",
			shouldMatch: true,
		},
		{
			name:        "combined",
			logic:       `IPInCIDR(ClientIP, "10.0.0.0/8") && !IPEquals(ClientIP, "10.0.0.1")`,
			clientIP:    "10.0.0.1",
			shouldMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine()
			if err := e.AddRule(&Rule{Name: tt.name, Logic: tt.logic}); err != nil {
				t.Fatalf("AddRule() failed: %v", err)
			}

			addr := netip.MustParseAddr(tt.clientIP)
			ctx := NewContext(&Request{Client: addr, Reversed: ReverseIPv4(addr)})
			matched, rule := e.Evaluate(ctx)

			if matched != tt.shouldMatch {
				t.Errorf("expected match=%v, got %v", tt.shouldMatch, matched)
			}
			if matched && rule.Name != tt.name {
				t.Errorf("expected rule %q, got %q", tt.name, rule.Name)
			}
		})
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	e, err := NewExemptions([]config.ExemptionRule{
		{Name: "lan", Logic: `IPInCIDR(ClientIP, "192.168.0.0/16")`},
		{Name: "everything", Logic: "true"},
	})
	if err != nil {
		t.Fatalf("NewExemptions() failed: %v", err)
	}

	matched, rule := e.Evaluate(Context{ClientIP: "192.168.4.4"})
	if !matched || rule.Name != "lan" {
		t.Errorf("expected lan to match first, got %v %v", matched, rule)
	}

	matched, rule = e.Evaluate(Context{ClientIP: "203.0.113.1"})
	if !matched || rule.Name != "everything" {
		t.Errorf("expected fallback rule, got %v %v", matched, rule)
	}
}

func TestNewExemptions_Invalid(t *testing.T) {
	_, err := NewExemptions([]config.ExemptionRule{{Name: "broken", Logic: "IPInCIDR("}})
	if err == nil {
		t.Error("expected compile error")
	}
}

func TestEvaluate_NilEngine(t *testing.T) {
	var e *Engine
	if matched, _ := e.Evaluate(Context{ClientIP: "1.2.3.4"}); matched {
		t.Error("nil engine must not match")
	}
}

func TestIPInCIDR(t *testing.T) {
	tests := []struct {
		ip   string
		cidr string
		want bool
	}{
		{"192.168.1.50", "192.168.1.0/24", true},
		{"192.168.1.1", "192.168.1.0/24", true},
		{"192.168.1.255", "192.168.1.0/24", true},
		{"192.168.2.1", "192.168.1.0/24", false},
		{"10.0.0.1", "192.168.1.0/24", false},
		{"invalid", "192.168.1.0/24", false},
		{"192.168.1.1", "invalid", false},
	}

	for _, tt := range tests {
		got := IPInCIDR(tt.ip, tt.cidr)
		if got != tt.want {
			t.Errorf("IPInCIDR(%q, %q) = %v, want %v",
				tt.ip, tt.cidr, got, tt.want)
		}
	}
}

func TestIPEquals(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"192.168.1.1", "192.168.1.1", true},
		{"192.168.1.1", "192.168.1.2", false},
		{"192.168.1.1", "::ffff:192.168.1.1", true},
		{"invalid", "192.168.1.1", false},
	}

	for _, tt := range tests {
		if got := IPEquals(tt.a, tt.b); got != tt.want {
			t.Errorf("IPEquals(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
