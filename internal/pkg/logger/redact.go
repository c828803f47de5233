package logger

import "strings"

// RedactEmail masks an address for safe logging while keeping the domain,
// which is what matters when debugging deliverability.
//
//	"jane.doe@example.com" → "ja***@example.com"
//	"ab@example.com"       → "***@example.com"
func RedactEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at < 0 || strings.Count(email, "@") != 1 {
		return "***@***"
	}
	local, domain := email[:at], strings.ToLower(email[at+1:])
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
