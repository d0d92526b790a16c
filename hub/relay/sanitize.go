package relay

import "strings"

// endMarkerPrefix starts the end-of-stream marker line agents append to
// delimit command output; it carries the exit code and is never shown.
const endMarkerPrefix = "__RC_END__:"

// Sanitize cleans raw command output before it is forwarded to consoles.
// Line endings are normalized to \n, then two categories of line are
// dropped: end-of-stream marker lines and interactive PowerShell prompt
// lines ("PS C:\...>"). All other lines, empty ones included, pass through
// untouched; whitespace is trimmed only at the extremes of the whole text.
// Empty input is returned unchanged. Idempotent.
func Sanitize(text string) string {
	if text == "" {
		return text
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, endMarkerPrefix) {
			continue
		}
		if strings.HasPrefix(line, "PS ") && strings.HasSuffix(line, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
