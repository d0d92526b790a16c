package relay

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain passthrough", "hello world", "hello world"},
		{"multiline passthrough", "line1\nline2", "line1\nline2"},
		{"crlf normalized", "line1\r\nline2", "line1\nline2"},
		{"end marker stripped", "output\n__RC_END__:abc123\n", "output"},
		{"marker only", "__RC_END__:xyz", ""},
		{"prompt line stripped", "result\nPS C:\\Users\\admin>", "result"},
		{"prompt only", "PS C:\\>", ""},
		{"prompt without trailing gt kept", "PS output text", "PS output text"},
		{"interior whitespace kept", "a\n\nb", "a\n\nb"},
		{"surrounding whitespace trimmed", "  data  \n", "data"},
		{"marker and prompt mixed", "PS C:\\tmp>\necho hi\nhi\n__RC_END__:1\n", "echo hi\nhi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"hello",
		"line1\r\n__RC_END__:x\r\nPS C:\\>",
		"a\nb\nc",
		"",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}
