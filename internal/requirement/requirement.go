// Package requirement parses PEP 508 dependency requirement strings and
// evaluates PEP 508 environment markers against a fixed two-variable
// environment (python_version, python_full_version).
package requirement

import (
	"regexp"
	"strings"

	"github.com/bilusteknoloji/pipdep/internal/version"
)

// Name is a PEP 503 canonicalized package name: lowercased, with runs of
// '-', '_', '.' collapsed to a single '-'. It is a distinct type so the
// compiler catches accidental mixing of raw and canonical forms.
type Name string

// Canonicalize folds name per PEP 503.
func Canonicalize(name string) Name {
	name = strings.ToLower(name)

	var b strings.Builder

	prevHyphen := false

	for i := range len(name) {
		switch name[i] {
		case '-', '_', '.':
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		default:
			b.WriteByte(name[i])
			prevHyphen = false
		}
	}

	return Name(b.String())
}

// Requirement is a parsed PEP 508 dependency: name, version specifier set,
// and an optional raw marker expression. Extras are parsed (to strip them
// out of the name/specifier portion) but otherwise ignored, per the core's
// scope.
type Requirement struct {
	Name      Name
	Specifier version.SpecifierSet
	Marker    string
}

// Environment binds the marker variables this core understands.
// Python is nil in "universal mode" (no target interpreter requested).
type Environment struct {
	Python           *version.Version
	AllowPreReleases bool
}

// Parse parses a PEP 508 requirement string, e.g.
//
//	"flask"
//	"flask>=3.0,<4.0"
//	"importlib-metadata>=3.6.0; python_version < \"3.10\""
func Parse(raw string) (Requirement, error) {
	marker := ""

	parts := strings.SplitN(raw, ";", 2)
	nameSpec := strings.TrimSpace(parts[0])

	if len(parts) > 1 {
		marker = strings.TrimSpace(parts[1])
	}

	// Strip extras: package[extra1,extra2].
	if idx := strings.Index(nameSpec, "["); idx >= 0 {
		if endIdx := strings.Index(nameSpec, "]"); endIdx > idx {
			nameSpec = nameSpec[:idx] + nameSpec[endIdx+1:]
		}
	}

	// Strip a parenthesized specifier form: package (>=1.0).
	nameSpec = strings.NewReplacer("(", "", ")", "").Replace(nameSpec)
	nameSpec = strings.TrimSpace(nameSpec)

	specStart := strings.IndexAny(nameSpec, "><=!~")
	name := nameSpec
	specifierStr := ""

	if specStart >= 0 {
		name = strings.TrimSpace(nameSpec[:specStart])
		specifierStr = strings.TrimSpace(nameSpec[specStart:])
	}

	spec, err := version.ParseSpecifierSet(specifierStr)
	if err != nil {
		return Requirement{}, err
	}

	return Requirement{
		Name:      Canonicalize(name),
		Specifier: spec,
		Marker:    marker,
	}, nil
}

// EvalMarker evaluates a PEP 508 marker expression against env.
//
// In universal mode (env.Python == nil), a marker that references
// python_version or python_full_version anywhere is accepted unconditionally
// — the resolution is treated as "for every plausible interpreter" and
// marker pruning is deferred to a later, interpreter-specific resolution.
// Any other marker variable is unbound: a term that reads it evaluates
// false, but the expression still parses.
func EvalMarker(marker string, env Environment) bool {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		return true
	}

	if env.Python == nil && referencesPythonVersion(marker) {
		return true
	}

	for _, orGroup := range splitOutside(marker, " or ") {
		allTrue := true

		for _, term := range splitOutside(strings.TrimSpace(orGroup), " and ") {
			if !evalTerm(strings.TrimSpace(term), env) {
				allTrue = false

				break
			}
		}

		if allTrue {
			return true
		}
	}

	return false
}

func referencesPythonVersion(marker string) bool {
	return strings.Contains(marker, "python_version") || strings.Contains(marker, "python_full_version")
}

var markerTermRe = regexp.MustCompile(
	`^\s*([\w.]+|"[^"]*"|'[^']*')\s*(>=|<=|!=|==|~=|>|<|not\s+in|in)\s*([\w.]+|"[^"]*"|'[^']*')\s*$`,
)

func evalTerm(term string, env Environment) bool {
	m := markerTermRe.FindStringSubmatch(term)
	if m == nil {
		return true // unrecognized shape; do not block resolution on a parse quirk
	}

	leftVar := unquote(m[1])
	rightVar := unquote(m[3])
	op := m[2]

	left, leftBound := resolveMarkerValue(leftVar, env)
	right, rightBound := resolveMarkerValue(rightVar, env)

	if !leftBound || !rightBound {
		return false
	}

	if isVersionVariable(leftVar) || isVersionVariable(rightVar) {
		return compareVersionMarker(left, op, right)
	}

	return compareStringMarker(left, op, right)
}

// resolveMarkerValue resolves a marker token to its value. The second
// return is false when the token is an unbound environment variable name;
// quoted literals and the two python_* variables are always bound.
func resolveMarkerValue(token string, env Environment) (string, bool) {
	switch token {
	case "python_version":
		if env.Python == nil {
			return "", false
		}

		return env.Python.String(), true
	case "python_full_version":
		if env.Python == nil {
			return "", false
		}

		return env.Python.String(), true
	}

	if isIdentifier(token) {
		return "", false // unbound marker variable (sys_platform, os_name, extra, ...)
	}

	return token, true // quoted literal or bare numeric/string token
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}

		if i > 0 && r >= '0' && r <= '9' {
			continue
		}

		return false
	}

	return true
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}

	return s
}

func isVersionVariable(name string) bool {
	return name == "python_version" || name == "python_full_version"
}

func compareVersionMarker(left, op, right string) bool {
	lv, err1 := version.Parse(left)
	rv, err2 := version.Parse(right)

	if err1 != nil || err2 != nil {
		return compareStringMarker(left, op, right)
	}

	cmp := lv.Compare(rv)

	switch op {
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "~=":
		return cmp >= 0
	default:
		return false
	}
}

func compareStringMarker(left, op, right string) bool {
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case "in":
		return strings.Contains(right, left)
	case "not in":
		return !strings.Contains(right, left)
	default:
		return left == right
	}
}

// splitOutside splits s on sep, ignoring occurrences inside parentheses or
// quotes. Used for the top-level "and"/"or" boolean structure of a marker.
func splitOutside(s, sep string) []string {
	var parts []string

	depth := 0
	inQuote := byte(0)
	start := 0

	for i := 0; i < len(s); i++ {
		switch {
		case inQuote != 0:
			if s[i] == inQuote {
				inQuote = 0
			}
		case s[i] == '"' || s[i] == '\'':
			inQuote = s[i]
		case s[i] == '(':
			depth++
		case s[i] == ')':
			depth--
		case depth == 0 && i+len(sep) <= len(s) && s[i:i+len(sep)] == sep:
			parts = append(parts, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}

	parts = append(parts, s[start:])

	return parts
}
