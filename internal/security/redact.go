// Package security provides secret masking, session file sealing, and the
// placement audit trail.
package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names whose values are never logged in clear.
var sensitiveFields = map[string]bool{
	"api_key":     true,
	"api_secret":  true,
	"apikey":      true,
	"apisecret":   true,
	"secret":      true,
	"password":    true,
	"passphrase":  true,
	"token":       true,
	"totp":        true,
	"totp_secret": true,
	"authent":     true,
	"cookie":      true,
	"sessionid":   true,
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|bearer|password|passphrase|totp[_-]?secret|totp|authent|sessionid)\b([=:\s]+)["']?([^\s"',;&]+)["']?`),
}

// MaskSensitive masks credential-looking key/value pairs inside free text.
func MaskSensitive(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			if len(sub) != 4 {
				return MaskCredential(match)
			}
			return sub[1] + sub[2] + MaskCredential(sub[3])
		})
	}
	return result
}

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// IsSensitiveField reports whether a field name carries a secret.
func IsSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// MaskFields returns a copy of data with sensitive values masked.
func MaskFields(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch {
		case IsSensitiveField(k):
			if s, ok := v.(string); ok {
				result[k] = MaskCredential(s)
			} else {
				result[k] = "***"
			}
		default:
			if s, ok := v.(string); ok {
				result[k] = MaskSensitive(s)
			} else {
				result[k] = v
			}
		}
	}
	return result
}
