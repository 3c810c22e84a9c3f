package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		// Happy paths
		{"simple", "appwall", false},
		{"underscore", "app_wall", false},
		{"dash", "app-wall2", false},

		// Sad paths
		{"empty", "", true},
		{"space", "app wall", true},
		{"dot", "app.wall", true},
		{"semicolon", "appwall;drop", true},
		{"long", strings.Repeat("a", 256), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateCommandArgument(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"windows path", `c:\tools\curl.exe`, false},
		{"spaces", `C:\Program Files\App\app.exe`, false},

		{"empty", "", true},
		{"null byte", "/usr/bin/cu\x00rl", true},
		{"quote", "/usr/bin/\"curl", true},
		{"newline", "/usr/bin/curl\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommandArgument(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCommandArgument(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateListenAddress(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"127.0.0.1:9090", false},
		{":9090", false},
		{"localhost:9090", false},
		{"[::1]:9090", false},

		{"9090", true},
		{"127.0.0.1:0", true},
		{"127.0.0.1:70000", true},
		{"example.com:9090", true},
		{"127.0.0.1:http", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateListenAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateListenAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRange(t *testing.T) {
	if err := ValidateRange("queue", 10, 0, 65535); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateRange("queue", 70000, 0, 65535); err == nil {
		t.Error("expected error for out-of-range value")
	}
}

func TestValidateAllowlist(t *testing.T) {
	if err := ValidateAllowlist("blocked", []string{"allowed", "blocked"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateAllowlist("denied", []string{"allowed", "blocked"}); err == nil {
		t.Error("expected error for value outside allowlist")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("curl; rm -rf `x`"); got != "curl rm -rf x" {
		t.Errorf("SanitizeString() = %q", got)
	}
}
