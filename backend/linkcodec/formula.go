package linkcodec

import (
	"strings"
)

const hyperlinkFunc = "HYPERLINK("

// ParseHyperlinkFormula extracts the target and friendly name of a
// HYPERLINK(link_location, [friendly_name]) formula. Only string-literal arguments
// can be resolved; a non-literal friendly name yields an empty friendly value and a
// non-literal link location means the formula is not usable (ok == false).
func ParseHyperlinkFormula(formula string) (link, friendly string, ok bool) {
	s := strings.TrimSpace(formula)
	s = strings.TrimPrefix(s, "=")
	s = strings.TrimSpace(s)
	if len(s) < len(hyperlinkFunc) || !strings.EqualFold(s[:len(hyperlinkFunc)], hyperlinkFunc) {
		return "", "", false
	}
	if !strings.HasSuffix(s, ")") {
		return "", "", false
	}

	args := splitArgs(s[len(hyperlinkFunc) : len(s)-1])
	if len(args) == 0 || len(args) > 2 {
		return "", "", false
	}

	link, isLiteral := unquote(args[0])
	if !isLiteral || link == "" {
		return "", "", false
	}
	if len(args) == 2 {
		friendly, _ = unquote(args[1])
	}
	return link, friendly, true
}

// splitArgs splits a formula argument list on top-level ',' or ';'
func splitArgs(inside string) []string {
	var (
		args    []string
		buf     strings.Builder
		inQuote bool
		depth   int
	)
	for _, ch := range inside {
		switch {
		case ch == '"':
			inQuote = !inQuote
		case inQuote:
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case (ch == ',' || ch == ';') && depth == 0:
			args = append(args, strings.TrimSpace(buf.String()))
			buf.Reset()
			continue
		}
		buf.WriteRune(ch)
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" || len(args) > 0 {
		args = append(args, rest)
	}
	return args
}

// unquote resolves a string literal argument; "" inside a literal is an escaped quote
func unquote(arg string) (string, bool) {
	if len(arg) < 2 || arg[0] != '"' || arg[len(arg)-1] != '"' {
		return "", false
	}
	body := arg[1 : len(arg)-1]
	if strings.Count(strings.ReplaceAll(body, `""`, ""), `"`) != 0 {
		// two literals joined by an operator, e.g. "a"&"b"
		return "", false
	}
	return strings.ReplaceAll(body, `""`, `"`), true
}
