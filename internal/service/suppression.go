package service

import (
	"path"
	"strings"
)

// matchSuppression returns the first blacklist rule that matches recipient.
// Rules are case-insensitive and take three forms: an exact address, an
// "@domain" suffix, or a glob such as "*@*.invalid".
func matchSuppression(recipient string, rules []string) (string, bool) {
	addr := strings.ToLower(strings.TrimSpace(recipient))
	for _, raw := range rules {
		rule := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case rule == "":
			continue
		case strings.ContainsAny(rule, "*?["):
			if ok, _ := path.Match(rule, addr); ok {
				return raw, true
			}
		case strings.HasPrefix(rule, "@"):
			if strings.HasSuffix(addr, rule) {
				return raw, true
			}
		case rule == addr:
			return raw, true
		}
	}
	return "", false
}
