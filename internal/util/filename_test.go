package util

import (
	"strings"
	"testing"
)

func TestURLStem(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"https://ct.example.org/2025h1/", "ct.example.org_2025h1"},
		{"ct.example.org/log", "ct.example.org_log"},
		{"http://127.0.0.1:8080/ct", "127.0.0.1_8080_ct"},
		{"https://log.example/a?b=c", "log.example_a_b_c"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := URLStem(tt.in); got != tt.want {
			t.Errorf("URLStem(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := "https://" + strings.Repeat("a", 300)
	if got := URLStem(long); len(got) != maxStemLength {
		t.Fatalf("long URL stem has length %d", len(got))
	}
}
