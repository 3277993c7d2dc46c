package security

import (
	"reflect"
	"testing"
)

func TestIsBlocked(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		blocked bool
	}{
		{"plain file", "notes.txt", false},
		{"nested plain file", "src/app/main.go", false},
		{"env file", ".env", true},
		{"env file with suffix", ".env.production", true},
		{"env file nested", "config/.env", true},
		{"credentials json", "credentials.json", true},
		{"credentials nested", "src/credentials.json", true},
		{"ssh dir", ".ssh/id_rsa", true},
		{"private key by extension", "server.pem", true},
		{"aws directory", ".aws/config", true},
		{"kube config", "home/.kube/config", true},
		{"shell history", ".bash_history", true},
		{"terraform state", "infra/terraform.tfstate", true},
		{"traversal", "../../../etc/passwd", true},
		{"encoded traversal", "%2e%2e/%2e%2e/etc/passwd", true},
		{"double encoded traversal", "%252e%252e/etc", true},
		{"null byte", "file\x00.txt", true},
		{"absolute etc", "/etc/passwd", true},
		{"absolute proc", "/proc/self/environ", true},
		{"device path", "/dev/sda", true},
		{"dev null allowed", "/dev/null", false},
		{"home tilde", "~/secrets", true},
		{"home variable", "$HOME/data", true},
		{"fullwidth traversal survives NFKC", "．．/etc", true},
		{"similar but clean", "environment.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := IsBlocked(tt.path)
			if res.Blocked != tt.blocked {
				t.Errorf("IsBlocked(%q) = %v, want %v (desc %q)", tt.path, res.Blocked, tt.blocked, res.Description)
			}
			if res.Blocked && res.Description == "" {
				t.Errorf("IsBlocked(%q) blocked without description", tt.path)
			}
		})
	}
}

func TestIsBlockedCaseInsensitive(t *testing.T) {
	for _, p := range []string{".ENV", "Credentials.JSON", "ID_RSA"} {
		if !IsBlocked(p).Blocked {
			t.Errorf("IsBlocked(%q) = false, want true", p)
		}
	}
}

func TestIsDangerousEnv(t *testing.T) {
	tests := []struct {
		name      string
		dangerous bool
	}{
		{"PATH", true},
		{"path", true},
		{"LD_PRELOAD", true},
		{"ld_library_path", true},
		{"DYLD_INSERT_LIBRARIES", true},
		{"IFS", true},
		{"BASH_ENV", true},
		{"NODE_OPTIONS", true},
		{"GIT_SSH_COMMAND", true},
		{"EDITOR", false},
		{"LANG", false},
		{"MY_APP_SETTING", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsDangerousEnv(tt.name); got != tt.dangerous {
			t.Errorf("IsDangerousEnv(%q) = %v, want %v", tt.name, got, tt.dangerous)
		}
	}
}

func TestSanitizeEnv(t *testing.T) {
	in := map[string]string{
		"LD_PRELOAD": "/tmp/evil.so",
		"PATH":       "/tmp/bin",
		"LANG":       "en_US.UTF-8",
		"EMPTY":      "",
		"EDITOR":     "vi",
	}
	want := map[string]string{
		"LANG":   "en_US.UTF-8",
		"EDITOR": "vi",
	}
	got := SanitizeEnv(in)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SanitizeEnv = %v, want %v", got, want)
	}
}

// SanitizeEnv applied twice must equal once.
func TestSanitizeEnvIdempotent(t *testing.T) {
	in := map[string]string{
		"LD_PRELOAD": "x",
		"LANG":       "C",
		"TERM":       "xterm",
	}
	once := SanitizeEnv(in)
	twice := SanitizeEnv(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("SanitizeEnv not idempotent: %v vs %v", once, twice)
	}
}

// NormalizePath applied twice must equal once.
func TestNormalizePathIdempotent(t *testing.T) {
	inputs := []string{
		"  /a/b/../c  ",
		"ｆｕｌｌｗｉｄｔｈ/ｐａｔｈ",
		"plain/path",
		"null\x00byte",
	}
	for _, in := range inputs {
		once := NormalizePath(in)
		twice := NormalizePath(once)
		if once != twice {
			t.Errorf("NormalizePath(%q) not idempotent: %q vs %q", in, once, twice)
		}
	}
}
