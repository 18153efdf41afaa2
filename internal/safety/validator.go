package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretEnvKeys are redacted from any outbound text if their live value
// appears verbatim in it.
var secretEnvKeys = []string{
	"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "MISTRAL_API_KEY",
	"TAVILY_API_KEY", "GITHUB_TOKEN", "JARVIS_CREATOR_TOKEN",
}

// dangerousSubstrings mark a self-modify code_exec payload as a likely
// attempt to read out credentials.
var dangerousSubstrings = []string{
	"os.environ", "os.getenv", "os.Getenv",
	"ANTHROPIC_API_KEY", "OPENAI_API_KEY",
	"MISTRAL_API_KEY", "TAVILY_API_KEY",
	"DATABASE_URL", "POSTGRES_PASSWORD",
}

// Action is the minimal shape the validator needs from a planned tool call.
type Action struct {
	Tool       string
	Parameters map[string]any
}

// Validator is the Safety Validator: it checks a planned action against the
// immutable rules and a small set of hard-coded guardrails before the
// executor is allowed to run it.
type Validator struct {
	// AllowedPathPrefixes replaces the teacher's single hardcoded "/data/"
	// allowlist with a configurable set, since the workspace root varies by
	// deployment; nothing else about path validation changes.
	AllowedPathPrefixes []string
}

func NewValidator(allowedPathPrefixes []string) *Validator {
	if len(allowedPathPrefixes) == 0 {
		allowedPathPrefixes = []string{"/data/"}
	}
	return &Validator{AllowedPathPrefixes: allowedPathPrefixes}
}

// ValidateAction returns (safe, reason). reason is human-readable and safe
// to surface to the creator regardless of outcome.
func (v *Validator) ValidateAction(action Action) (bool, string) {
	for _, value := range action.Parameters {
		text, ok := value.(string)
		if !ok {
			continue
		}
		if violations := ContainsViolation(text); len(violations) > 0 {
			return false, fmt.Sprintf("safety violation detected: %s", strings.Join(violations, ", "))
		}
	}

	switch action.Tool {
	case "file_write", "file_read", "file_ops":
		path, _ := action.Parameters["path"].(string)
		if !v.isSafePath(path) {
			return false, fmt.Sprintf("path not allowed: %s", path)
		}
	case "code_exec":
		code, _ := action.Parameters["code"].(string)
		if leaksSecrets(code) {
			return false, "code may leak secrets"
		}
	}

	return true, "OK"
}

// SanitizeOutput strips any live secret value that leaked verbatim into
// text destined for a chat reply or log line.
func SanitizeOutput(text string) string {
	sanitized := text
	for _, key := range secretEnvKeys {
		val := os.Getenv(key)
		if val != "" && strings.Contains(sanitized, val) {
			sanitized = strings.ReplaceAll(sanitized, val, fmt.Sprintf("[REDACTED:%s]", key))
		}
	}
	return sanitized
}

func (v *Validator) isSafePath(path string) bool {
	if path == "" {
		return false
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, allowed := range v.AllowedPathPrefixes {
		if strings.HasPrefix(resolved, allowed) {
			return true
		}
	}
	return false
}

func leaksSecrets(code string) bool {
	lower := strings.ToLower(code)
	for _, d := range dangerousSubstrings {
		if strings.Contains(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}
