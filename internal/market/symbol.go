package market

import (
	"fmt"
	"strings"
)

// Symbol identifies a tradable instrument. Values built by ParseSymbol are
// trimmed and upper-cased so equality is by normalized form.
type Symbol string

func ParseSymbol(s string) (Symbol, error) {
	n := strings.ToUpper(strings.TrimSpace(s))
	if n == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if strings.ContainsAny(n, " \t\r\n/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return Symbol(n), nil
}

func (s Symbol) String() string { return string(s) }
