package repository

import "testing"

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"0192f3a4-7b1c-7d2e-9f00-1a2b3c4d5e6f", true},
		{"garbage", false},
		{"", false},
		{"0192f3a4-7b1c-7d2e-9f00", false},
	}

	for _, tt := range tests {
		if got := validID(tt.id); got != tt.want {
			t.Errorf("validID(%q): expected %v, got %v", tt.id, tt.want, got)
		}
	}
}
