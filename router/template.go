package router

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// expandTemplate substitutes {tenantId}, {tier}, {timestamp}, {env},
// {region} and arbitrary meta keys into tmpl. An undefined placeholder is a
// fatal resolution error per spec §4.3.
func expandTemplate(tmpl string, ctx RouteContext, tier string, env, region string, now time.Time) (string, error) {
	var outerErr error
	result := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		switch name {
		case "tenantId":
			return ctx.TenantID
		case "tier":
			return tier
		case "timestamp":
			return now.UTC().Format("20060102")
		case "env":
			return env
		case "region":
			return region
		default:
			if v, ok := ctx.TenantMeta[name]; ok {
				return v
			}
			outerErr = svcerrors.Validation("template", fmt.Sprintf("undefined placeholder %q in template %q", name, tmpl))
			return match
		}
	})
	if outerErr != nil {
		return "", outerErr
	}
	return result, nil
}

// validateTenantID checks a tenant id against the dynamic-tenant validation
// rules, if any are configured.
func validateTenantID(tenantID string, v TenantValidation) error {
	if v.MinLength > 0 && len(tenantID) < v.MinLength {
		return svcerrors.Validation("tenantId", fmt.Sprintf("shorter than minLength %d", v.MinLength))
	}
	if v.MaxLength > 0 && len(tenantID) > v.MaxLength {
		return svcerrors.Validation("tenantId", fmt.Sprintf("longer than maxLength %d", v.MaxLength))
	}
	if v.AllowedChars != "" {
		for _, r := range tenantID {
			if !strings.ContainsRune(v.AllowedChars, r) {
				return svcerrors.Validation("tenantId", fmt.Sprintf("character %q not in allowedChars", r))
			}
		}
	}
	if v.Pattern != "" {
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return svcerrors.Config("tenantValidation.pattern", err.Error())
		}
		if !re.MatchString(tenantID) {
			return svcerrors.Validation("tenantId", "does not match required pattern")
		}
	}
	return nil
}
