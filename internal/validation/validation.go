// Package validation provides input shape checks for the token cache
package validation

import (
	"fmt"
	"strings"
)

// DefaultCredentialPrefixes are the GitHub token prefixes accepted for exchange
var DefaultCredentialPrefixes = []string{"gho_", "ghu_", "ghp_", "github_pat_"}

// ValidationError represents an input validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ValidateCredential checks that a credential carries one of the expected
// prefixes. It is a cheap guard against obviously wrong input, not a
// security boundary.
func ValidateCredential(credential string, prefixes []string) error {
	if len(prefixes) == 0 {
		prefixes = DefaultCredentialPrefixes
	}

	if strings.TrimSpace(credential) != credential {
		return &ValidationError{Field: "credential", Message: "must not contain surrounding whitespace"}
	}

	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(credential, p) && len(credential) > len(p) {
			return nil
		}
	}

	return &ValidationError{
		Field:   "credential",
		Message: fmt.Sprintf("must start with one of %s", strings.Join(prefixes, ", ")),
	}
}
