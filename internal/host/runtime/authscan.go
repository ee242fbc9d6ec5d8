package runtime

import "strings"

// authFailureMarkers are the strings an agent runtime is known to emit
// when it exits cleanly despite having failed to authenticate. Matching
// is case-insensitive on accumulated session output.
var authFailureMarkers = []string{
	"invalid api key",
	"authentication_error",
	"authentication failed",
	"oauth token has expired",
	"credit balance is too low",
	"please run /login",
	"401 unauthorized",
}

// AuthFailure reports whether accumulated session output indicates an
// authentication problem. A clean exit with one of these markers must be
// reported as failed, not completed.
func AuthFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range authFailureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
