// Package redact keeps credentials out of log output.
package redact

// Token returns a loggable fingerprint of a bearer credential: the first and
// last four characters with the middle elided. Anything short enough that the
// ends would reveal most of it is fully masked.
func Token(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
