// Package allowlist implements the Command allowlist validator (C11):
// rejecting a workflow command before it is ever spawned. It is grounded
// on internal/permissions/shell.go's CheckShell/SanitizeCommand
// (prefix-allowlist plus dangerous-pattern detection) and
// internal/permissions/paths.go's doublestar glob matching, generalized
// from "is this shell call allowed by a workflow's declared permission
// context" to this design's fixed allowlist-of-dev-tools model.
package allowlist

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
)

// DefaultTools is the fixed allowlist of development-tool program names
// admitted by default: compilers, test runners, formatters, linters.
var DefaultTools = []string{
	"go", "gofmt", "goimports", "golangci-lint", "staticcheck", "vet",
	"cargo", "rustc", "rustfmt", "clippy",
	"npm", "npx", "yarn", "pnpm", "node", "tsc", "eslint", "prettier",
	"python", "python3", "pip", "pytest", "black", "flake8", "mypy", "ruff",
	"make", "cmake", "git",
	"echo", "ls", "cat", "grep", "true", "false", "sleep", "sh",
}

// alwaysDenied program names are rejected regardless of the allowlist.
var alwaysDenied = []string{"rm", "mv", "dd", "sudo"}

// disallowedMetacharacters are shell-metacharacter sequences this design's
// "always rejected" list names: pipes, redirections, command substitution
// and chaining. Nothing on this list is part of the small whitelist a
// single plain command line needs, so any occurrence fails validation
// regardless of what follows it.
var disallowedMetacharacters = []string{
	"|", ">", "<", ";", "&", "`", "$(", "\n",
}

// dangerousSubstrings are additional disallowed sequences kept for
// defense in depth once disallowedMetacharacters has already rejected
// any pipe/redirection/chaining token.
var dangerousSubstrings = []string{
	"eval ", "exec ",
}

// List is a command allowlist. A zero-value List with no Tools falls back
// to DefaultTools.
type List struct {
	Tools []string
}

// New returns a List using DefaultTools.
func New() *List {
	return &List{Tools: DefaultTools}
}

// Check validates cmdline before it is spawned. It inspects only the first
// token after any leading "VAR=value" environment assignments, matching
// this design's "program name after any leading environment assignments"
// rule.
func (l *List) Check(cmdline string) error {
	trimmed := strings.TrimSpace(cmdline)
	if trimmed == "" {
		return derrors.New(derrors.InvalidArgument, "empty command")
	}

	for _, meta := range disallowedMetacharacters {
		if strings.Contains(trimmed, meta) {
			return derrors.New(derrors.InvalidArgument, "command contains a disallowed shell metacharacter: "+meta)
		}
	}
	for _, pattern := range dangerousSubstrings {
		if strings.Contains(strings.ToLower(trimmed), pattern) {
			return derrors.New(derrors.InvalidArgument, "command contains a disallowed pattern: "+pattern)
		}
	}

	program := firstProgramToken(trimmed)
	if program == "" {
		return derrors.New(derrors.InvalidArgument, "could not determine program name")
	}

	for _, denied := range alwaysDenied {
		if program == denied {
			return derrors.New(derrors.InvalidArgument, "command is always denied: "+program)
		}
	}

	tools := l.Tools
	if len(tools) == 0 {
		tools = DefaultTools
	}
	for _, allowed := range tools {
		if program == allowed {
			return nil
		}
		if ok, _ := doublestar.Match(allowed, program); ok {
			return nil
		}
	}
	return derrors.New(derrors.InvalidArgument, "program not in allowlist: "+program)
}

// firstProgramToken returns the first whitespace-delimited token of
// cmdline that is not a "VAR=value" environment assignment.
func firstProgramToken(cmdline string) string {
	for _, tok := range strings.Fields(cmdline) {
		if strings.Contains(tok, "=") && !strings.ContainsAny(tok, "/\\") {
			continue
		}
		// Strip a leading path, e.g. "/usr/bin/go" -> "go".
		if idx := strings.LastIndexByte(tok, '/'); idx >= 0 {
			tok = tok[idx+1:]
		}
		return tok
	}
	return ""
}
