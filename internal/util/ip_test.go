package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPVerifier_IsAllowed(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		address   string
		want      bool
	}{
		{"everyone", []string{"*"}, "203.0.113.9:80", true},
		{"exact match", []string{"10.0.0.1"}, "10.0.0.1:5000", true},
		{"exact mismatch", []string{"10.0.0.1"}, "10.0.0.2:5000", false},
		{"localhost ipv4", []string{"localhost"}, "127.0.0.1:1", true},
		{"localhost ipv6", []string{"localhost"}, "[::1]:1", true},
		{"ipv4 mapped", []string{"127.0.0.1"}, "[::ffff:127.0.0.1]:1", true},
		{"cidr", []string{"192.168.0.0/16"}, "192.168.4.20:1", true},
		{"cidr outside", []string{"192.168.0.0/16"}, "192.169.0.1:1", false},
		{"wildcard", []string{"172.16.*.*"}, "172.16.9.1:1", true},
		{"wildcard outside", []string{"172.16.*.*"}, "172.17.9.1:1", false},
		{"bare host", []string{"10.0.0.1"}, "10.0.0.1", true},
		{"empty entries ignored", []string{"", " "}, "10.0.0.1:1", false},
		{"several entries", []string{"10.0.0.1", "10.0.0.2"}, "10.0.0.2:1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewIPVerifier(tt.whitelist).IsAllowed(tt.address, nil))
		})
	}
}

func TestIPVerifier_LogsRejections(t *testing.T) {
	var out bytes.Buffer
	logger := NewLoggerWithOutput("warn", &out)

	assert.False(t, NewIPVerifier([]string{"10.0.0.1"}).IsAllowed("10.0.0.9:1", logger))
	assert.Contains(t, out.String(), "Blocking request from 10.0.0.9:1")
}
