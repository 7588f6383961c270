package services

import (
	"github.com/poofware/login-guard-service/internal/utils"
)

// IPBindingPolicy rejects a mobile confirmation coming from the same network
// address that created the session. Only enforced in strict mode.
type IPBindingPolicy struct {
	strict    bool
	allowList map[string]struct{}
}

func NewIPBindingPolicy(strict bool, allowList []string) *IPBindingPolicy {
	p := &IPBindingPolicy{strict: strict, allowList: make(map[string]struct{}, len(allowList))}
	for _, ip := range allowList {
		p.allowList[utils.NormalizeIP(ip)] = struct{}{}
	}
	return p
}

// Check returns utils.ErrSecurityPolicyFailed when the binding is violated.
func (p *IPBindingPolicy) Check(originIP, mobileIP string) error {
	if !p.strict {
		return nil
	}
	mobile := utils.NormalizeIP(mobileIP)
	if _, ok := p.allowList[mobile]; ok {
		return nil
	}
	if utils.NormalizeIP(originIP) != mobile {
		return nil
	}
	return utils.ErrSecurityPolicyFailed
}
