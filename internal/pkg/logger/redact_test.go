package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct{ in, want string }{
		{"jane.doe@example.com", "ja***@example.com"},
		{"ab@Example.COM", "***@example.com"},
		{" student@portal28.academy ", "st***@portal28.academy"},
		{"not-an-email", "***@***"},
		{"a@b@c.com", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
