package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "example.com", "example.com"},
		{"newline injection", "host\n[ssh] fake entry", "host [ssh] fake entry"},
		{"carriage return", "a\rb", "a b"},
		{"tab", "a\tb", "a b"},
		{"escape sequence", "a\x1b[31mred", "a[31mred"},
		{"delete char", "a\x7fb", "ab"},
		{"unicode kept", "héllo", "héllo"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Errorf("Truncate = %q, want abc...", got)
	}
	if got := Truncate("abc", 3); got != "abc" {
		t.Errorf("Truncate = %q, want abc", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Errorf("Truncate with n=0 = %q, want abc", got)
	}
}
