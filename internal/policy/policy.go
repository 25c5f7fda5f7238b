package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
)

// signingCommands submit transactions and are refused in read-only mode.
var signingCommands = map[string]struct{}{
	"run":     {},
	"approve": {},
}

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		if normalize(allowed) == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// CheckReadOnly refuses transaction-submitting commands when readOnly is set.
func CheckReadOnly(readOnly bool, commandPath string) error {
	if !readOnly {
		return nil
	}
	if _, ok := signingCommands[normalize(commandPath)]; ok {
		return clierr.New(clierr.CodeBlocked, "command submits transactions and read-only mode is enabled")
	}
	return nil
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
