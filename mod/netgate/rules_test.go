package netgate

import (
	"net"
	"testing"
)

func TestDefaultAllowsPublicOnly(t *testing.T) {
	rules := NewRuleSet(nil, nil)

	allowed := []string{"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"}
	for _, address := range allowed {
		if !rules.IPAllowed(net.ParseIP(address)) {
			t.Errorf("expected public address %s to be allowed", address)
		}
	}

	denied := []string{"127.0.0.1", "::1", "10.0.0.5", "192.168.1.20", "172.16.3.4", "169.254.1.1", "0.0.0.0"}
	for _, address := range denied {
		if rules.IPAllowed(net.ParseIP(address)) {
			t.Errorf("expected non-public address %s to be denied", address)
		}
	}
}

func TestAddressClasses(t *testing.T) {
	local := NewRuleSet([]string{"local"}, nil)
	if !local.IPAllowed(net.ParseIP("127.0.0.1")) {
		t.Error("local class should allow loopback")
	}
	if local.IPAllowed(net.ParseIP("10.0.0.5")) {
		t.Error("local class should not allow private ranges")
	}

	private := NewRuleSet([]string{"private"}, nil)
	for _, address := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.20", "169.254.1.1"} {
		if !private.IPAllowed(net.ParseIP(address)) {
			t.Errorf("private class should allow %s", address)
		}
	}
	if private.IPAllowed(net.ParseIP("93.184.216.34")) {
		t.Error("private class should not allow public addresses")
	}

	network := NewRuleSet([]string{"network"}, nil)
	for _, address := range []string{"127.0.0.1", "10.0.0.5", "93.184.216.34"} {
		if !network.IPAllowed(net.ParseIP(address)) {
			t.Errorf("network class should allow %s", address)
		}
	}
}

func TestCIDRRule(t *testing.T) {
	rules := NewRuleSet([]string{"10.1.0.0/16"}, nil)
	if !rules.IPAllowed(net.ParseIP("10.1.2.3")) {
		t.Error("address inside the CIDR block should be allowed")
	}
	if rules.IPAllowed(net.ParseIP("10.2.2.3")) {
		t.Error("address outside the CIDR block should be denied")
	}
}

func TestWildcardRule(t *testing.T) {
	rules := NewRuleSet([]string{"192.168.1.*"}, nil)
	if !rules.IPAllowed(net.ParseIP("192.168.1.44")) {
		t.Error("address matching the wildcard should be allowed")
	}
	if rules.IPAllowed(net.ParseIP("192.168.2.44")) {
		t.Error("address not matching the wildcard should be denied")
	}
}

func TestExactRule(t *testing.T) {
	rules := NewRuleSet([]string{"203.0.113.9"}, nil)
	if !rules.IPAllowed(net.ParseIP("203.0.113.9")) {
		t.Error("exact match should be allowed")
	}
	if rules.IPAllowed(net.ParseIP("203.0.113.10")) {
		t.Error("anything else should be denied")
	}
}

func TestDenyWinsOverAllow(t *testing.T) {
	rules := NewRuleSet([]string{"private"}, []string{"10.0.0.0/8"})
	if !rules.IPAllowed(net.ParseIP("192.168.1.20")) {
		t.Error("non-denied private address should be allowed")
	}
	if rules.IPAllowed(net.ParseIP("10.3.4.5")) {
		t.Error("denied range must win over the allow rule")
	}
}

func TestNilIPDenied(t *testing.T) {
	rules := NewRuleSet([]string{"network"}, nil)
	if rules.IPAllowed(nil) {
		t.Error("an unparseable address must never be allowed")
	}
}
