// Package security is the single source of truth for "what is sensitive":
// blocked file patterns, dangerous path shapes, dangerous environment
// variables, and the SSRF host/address classification tables.
//
// Classification never fails: ambiguous input is treated as not blocked only
// when no pattern matches. All matching is case-insensitive.
package security

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Category tags a blocked-file pattern with the kind of secret it protects.
type Category string

const (
	CategoryCredentials Category = "credentials"
	CategorySSH         Category = "ssh"
	CategoryCloud       Category = "cloud"
	CategoryPackaging   Category = "packaging"
	CategorySystem      Category = "system"
	CategoryHistory     Category = "history"
	CategoryKeys        Category = "keys"
	CategoryTraversal   Category = "traversal"
)

// BlockedPattern is one entry in the blocked-file table.
type BlockedPattern struct {
	Pattern     *regexp.Regexp
	Description string
	Category    Category
}

// DangerousPattern is one entry in the dangerous-path table.
type DangerousPattern struct {
	Pattern     *regexp.Regexp
	Description string
}

// BlockResult reports why a path was refused.
type BlockResult struct {
	Blocked     bool
	Pattern     string
	Description string
	Category    Category
}

// blockedFilePatterns match secrets by name, against the whole path and each
// path component. Case-insensitive.
var blockedFilePatterns = []BlockedPattern{
	{regexp.MustCompile(`(?i)(^|/)\.env(\.[^/]+)?$`), "environment file", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)credentials(\.json|\.yaml|\.yml)?$`), "credentials file", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)secrets?(\.json|\.yaml|\.yml|\.toml)$`), "secrets file", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)\.netrc$`), "netrc credentials", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)\.git-credentials$`), "git credentials", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)\.htpasswd$`), "htpasswd file", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)\.pgpass$`), "postgres password file", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)\.my\.cnf$`), "mysql credentials", CategoryCredentials},
	{regexp.MustCompile(`(?i)(^|/)\.npmrc$`), "npm auth token", CategoryPackaging},
	{regexp.MustCompile(`(?i)(^|/)\.pypirc$`), "pypi auth token", CategoryPackaging},
	{regexp.MustCompile(`(?i)(^|/)\.ssh(/|$)`), "ssh directory", CategorySSH},
	{regexp.MustCompile(`(?i)(^|/)id_(rsa|dsa|ecdsa|ed25519)(\.pub)?$`), "ssh private key", CategorySSH},
	{regexp.MustCompile(`(?i)(^|/)known_hosts$`), "ssh known hosts", CategorySSH},
	{regexp.MustCompile(`(?i)(^|/)authorized_keys$`), "ssh authorized keys", CategorySSH},
	{regexp.MustCompile(`(?i)\.(pem|key|p12|pfx|ppk|jks|keystore)$`), "key material", CategoryKeys},
	{regexp.MustCompile(`(?i)(^|/)\.gnupg(/|$)`), "gnupg directory", CategoryKeys},
	{regexp.MustCompile(`(?i)(^|/)\.aws(/|$)`), "aws config directory", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)\.azure(/|$)`), "azure config directory", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)(\.config/)?gcloud(/|$)`), "gcloud config directory", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)\.kube(/|$)`), "kubernetes config directory", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)kubeconfig$`), "kubernetes config", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)\.docker/config\.json$`), "docker auth config", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)\.boto$`), "boto credentials", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)\.s3cfg$`), "s3cmd credentials", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)\.vault-token$`), "vault token", CategoryCloud},
	{regexp.MustCompile(`(?i)terraform\.tfstate(\.backup)?$`), "terraform state", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)serviceaccount/token$`), "service account token", CategoryCloud},
	{regexp.MustCompile(`(?i)(^|/)shadow$`), "system shadow file", CategorySystem},
	{regexp.MustCompile(`(?i)(^|/)sudoers(\.d)?(/|$)`), "sudoers", CategorySystem},
	{regexp.MustCompile(`(?i)(^|/)\.(bash|zsh|sh)_history$`), "shell history", CategoryHistory},
	{regexp.MustCompile(`(?i)(^|/)\.psql_history$`), "psql history", CategoryHistory},
	{regexp.MustCompile(`(?i)(^|/)\.python_history$`), "python history", CategoryHistory},
	{regexp.MustCompile(`(?i)(^|/)wallet\.dat$`), "wallet file", CategoryKeys},
	{regexp.MustCompile(`(?i)(^|/)(login|key[34]?)\.keychain(-db)?$`), "keychain database", CategoryKeys},
}

// dangerousPathPatterns match path shapes that are hostile regardless of the
// file they name: traversal, absolute system paths, home references, encoded
// escapes, null bytes.
var dangerousPathPatterns = []DangerousPattern{
	{regexp.MustCompile(`\.\.(/|\\|$)`), "parent directory traversal"},
	{regexp.MustCompile(`(?i)%2e%2e`), "URL-encoded traversal"},
	{regexp.MustCompile(`(?i)%252e`), "double URL-encoded traversal"},
	{regexp.MustCompile(`(?i)%00`), "URL-encoded null byte"},
	{regexp.MustCompile("\x00"), "null byte"},
	{regexp.MustCompile(`(?i)^/(etc|proc|sys|boot|root)(/|$)`), "absolute system path"},
	{regexp.MustCompile(`(?i)(^|/)~[^/]*`), "home directory reference"},
	{regexp.MustCompile(`(?i)\$\{?home\}?(/|$)`), "home variable reference"},
	{regexp.MustCompile(`(?i)^[a-z]:\\windows\\`), "windows system path"},
}

// dangerousEnvNames are environment variables a skill must never influence.
var dangerousEnvNames = map[string]struct{}{
	"PATH":            {},
	"IFS":             {},
	"ENV":             {},
	"BASH_ENV":        {},
	"SHELL":           {},
	"PS4":             {},
	"PROMPT_COMMAND":  {},
	"PYTHONPATH":      {},
	"PYTHONSTARTUP":   {},
	"PERL5LIB":        {},
	"PERL5OPT":        {},
	"RUBYLIB":         {},
	"RUBYOPT":         {},
	"NODE_OPTIONS":    {},
	"GIT_SSH_COMMAND": {},
	"GIT_ASKPASS":     {},
	"SSH_ASKPASS":     {},
	"TMPDIR":          {},
	"GCONV_PATH":      {},
	"LOCALDOMAIN":     {},
	"RES_OPTIONS":     {},
	"HOSTALIASES":     {},
}

// dangerousEnvPrefixes reject loader-control families wholesale.
var dangerousEnvPrefixes = []string{"LD_", "DYLD_"}

// NormalizePath prepares a path for classification: trims whitespace, strips
// null bytes, repairs invalid UTF-8, applies NFKC so fullwidth and decomposed
// forms cannot slip past the pattern tables, and normalizes separators.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\x00", "")
	p = strings.ToValidUTF8(p, "�")
	p = norm.NFKC.String(p)
	return strings.ReplaceAll(p, "\\", "/")
}

// IsBlocked classifies a path against the dangerous-path table, then the
// blocked-file table. The blocked-file table runs against the whole path and
// against each component, so "credentials.json" is caught under any directory.
// Short-circuits on the first match.
func IsBlocked(path string) BlockResult {
	raw := path
	p := NormalizePath(path)

	for _, dp := range dangerousPathPatterns {
		if dp.Pattern.MatchString(p) || dp.Pattern.MatchString(raw) {
			return BlockResult{
				Blocked:     true,
				Pattern:     dp.Pattern.String(),
				Description: dp.Description,
				Category:    CategoryTraversal,
			}
		}
	}

	if isBlockedDevice(p) {
		return BlockResult{Blocked: true, Pattern: "^/dev/", Description: "device path", Category: CategoryTraversal}
	}

	for _, bp := range blockedFilePatterns {
		if bp.Pattern.MatchString(p) {
			return BlockResult{Blocked: true, Pattern: bp.Pattern.String(), Description: bp.Description, Category: bp.Category}
		}
		for _, comp := range strings.Split(p, "/") {
			if comp == "" {
				continue
			}
			if bp.Pattern.MatchString(comp) {
				return BlockResult{Blocked: true, Pattern: bp.Pattern.String(), Description: bp.Description, Category: bp.Category}
			}
		}
	}

	return BlockResult{}
}

// isBlockedDevice refuses /dev paths except the handful of harmless nodes a
// command legitimately touches. Go's regexp has no lookahead, so the exception
// list lives here instead of in the pattern table.
func isBlockedDevice(p string) bool {
	lower := strings.ToLower(p)
	if !strings.HasPrefix(lower, "/dev/") {
		return false
	}
	switch lower {
	case "/dev/null", "/dev/zero", "/dev/urandom", "/dev/random", "/dev/stdin", "/dev/stdout", "/dev/stderr":
		return false
	}
	return true
}

// IsDangerousEnv reports whether setting name could alter process behavior in
// a way the sandbox cannot audit.
func IsDangerousEnv(name string) bool {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" {
		return false
	}
	if _, ok := dangerousEnvNames[upper]; ok {
		return true
	}
	for _, prefix := range dangerousEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// SanitizeEnv returns a copy of env with dangerous names and absent values
// removed. Idempotent.
func SanitizeEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v == "" {
			continue
		}
		if IsDangerousEnv(k) {
			continue
		}
		out[k] = v
	}
	return out
}
