package netgate

import (
	"net"
	"strings"
)

/*
	Peer rules

	A rule is either an address class keyword ("public", "private",
	"local", "network"), a CIDR block, an IPv4 wildcard pattern like
	192.168.1.* or an exact IP address. An address is permitted when it
	matches at least one allow rule and no deny rule.
*/

type ruleKind int

const (
	ruleClass ruleKind = iota
	ruleCIDR
	ruleWildcard
	ruleExact
)

type peerRule struct {
	kind    ruleKind
	class   string
	cidr    *net.IPNet
	pattern string
}

type RuleSet struct {
	allow []peerRule
	deny  []peerRule
}

// Build a rule set. With no allow rules the gateway defaults to public
// internet addresses only.
func NewRuleSet(allow []string, deny []string) *RuleSet {
	if len(allow) == 0 {
		allow = []string{"public"}
	}

	thisRuleSet := RuleSet{}
	for _, rule := range allow {
		thisRuleSet.allow = append(thisRuleSet.allow, parseRule(rule))
	}
	for _, rule := range deny {
		thisRuleSet.deny = append(thisRuleSet.deny, parseRule(rule))
	}
	return &thisRuleSet
}

func parseRule(rule string) peerRule {
	rule = strings.TrimSpace(rule)
	switch rule {
	case "public", "private", "local", "network":
		return peerRule{kind: ruleClass, class: rule}
	}
	if strings.Contains(rule, "/") {
		if _, cidrnet, err := net.ParseCIDR(rule); err == nil {
			return peerRule{kind: ruleCIDR, cidr: cidrnet}
		}
	}
	if strings.Contains(rule, "*") {
		return peerRule{kind: ruleWildcard, pattern: rule}
	}
	return peerRule{kind: ruleExact, pattern: rule}
}

// Check an already resolved address against the rule set
func (rs *RuleSet) IPAllowed(ip net.IP) bool {
	if ip == nil {
		return false
	}
	allowed := false
	for _, rule := range rs.allow {
		if rule.matches(ip) {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	for _, rule := range rs.deny {
		if rule.matches(ip) {
			return false
		}
	}
	return true
}

func (r *peerRule) matches(ip net.IP) bool {
	switch r.kind {
	case ruleClass:
		return classMatches(r.class, ip)
	case ruleCIDR:
		return r.cidr.Contains(ip)
	case ruleWildcard:
		return matchIPWildcard(ip.String(), r.pattern)
	case ruleExact:
		exact := net.ParseIP(r.pattern)
		return exact != nil && exact.Equal(ip)
	}
	return false
}

func classMatches(class string, ip net.IP) bool {
	switch class {
	case "network":
		//Any network address at all
		return true
	case "local":
		return ip.IsLoopback()
	case "private":
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
	case "public":
		return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast() && !ip.IsUnspecified()
	}
	return false
}

// Match an IPv4 address against an octet wildcard like 192.168.1.*
func matchIPWildcard(ipAddress string, wildcard string) bool {
	ipOctets := strings.Split(ipAddress, ".")
	wildcardOctets := strings.Split(wildcard, ".")
	if len(ipOctets) != 4 || len(wildcardOctets) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if wildcardOctets[i] == "*" {
			continue
		}
		if ipOctets[i] != wildcardOctets[i] {
			return false
		}
	}
	return true
}
