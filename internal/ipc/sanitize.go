package ipc

import "github.com/al-bashkir/tgbridge/internal/logsanitize"

// sanitizeIPCValue strips control characters from a string before it is
// written to structured log output. User ids on the control socket come from
// the operator's command line.
func sanitizeIPCValue(s string) string {
	return logsanitize.Sanitize(s)
}
