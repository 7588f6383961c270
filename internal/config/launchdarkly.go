package config

import (
	"fmt"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	ld "github.com/launchdarkly/go-server-sdk/v7"

	"github.com/poofware/login-guard-service/internal/utils"
)

// applyLaunchDarklyFlags fetches the static flags once at startup. The env
// values act as the flag defaults when a flag is not defined.
func applyLaunchDarklyFlags(cfg *Config) error {
	ldClient, err := ld.MakeClient(cfg.LDSDKKey, LDConnectionTimeout)
	if err != nil {
		return fmt.Errorf("config: create LaunchDarkly client: %w", err)
	}
	defer ldClient.Close()

	if !ldClient.Initialized() {
		return fmt.Errorf("config: LaunchDarkly client failed to initialize")
	}

	context := ldcontext.NewWithKind(ldcontext.Kind(cfg.LDContextKind), cfg.LDContextKey)

	strict, err := ldClient.BoolVariation("strict_ip_binding", context, cfg.StrictIPBinding)
	if err != nil {
		return fmt.Errorf("config: strict_ip_binding flag: %w", err)
	}
	utils.Logger.Debugf("strict_ip_binding flag: %t", strict)

	corsHighSecurity, err := ldClient.BoolVariation("cors_high_security", context, cfg.CORSHighSecurity)
	if err != nil {
		return fmt.Errorf("config: cors_high_security flag: %w", err)
	}
	utils.Logger.Debugf("cors_high_security flag: %t", corsHighSecurity)

	cfg.StrictIPBinding = strict
	cfg.CORSHighSecurity = corsHighSecurity
	return nil
}
