package util

import "testing"

func TestIsValidIPv4(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"192.168.88.201", true},
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"999.1.1.1", false},
		{"10.0.0", false},
		{"homebase12", false},
		{"", false},
		{"fe80::1", false},
	}

	for _, tt := range tests {
		if got := IsValidIPv4(tt.ip); got != tt.want {
			t.Errorf("IsValidIPv4(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
