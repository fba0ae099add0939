package config

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Resolve returns a copy of root with every ${KEY} placeholder in scalar
// values replaced from env. Mapping keys are left alone. Substitution is
// single-pass: a substituted value is never scanned again.
func Resolve(root *yaml.Node, env *EnvSource) (*yaml.Node, error) {
	out := cloneNode(root)
	if err := resolveNode(out, env, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func resolveNode(n *yaml.Node, env *EnvSource, path []string) error {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			if err := resolveNode(c, env, path); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if err := resolveNode(n.Content[i+1], env, append(path, key)); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if err := resolveNode(c, env, path); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if !strings.Contains(n.Value, "$") {
			return nil
		}
		v, err := Substitute(n.Value, env, scopeOf(path))
		if err != nil {
			return err
		}
		if v != n.Value {
			n.Value = v
			// plain scalars re-resolve their tag so a substituted 5432 decodes as a number
			if n.Style&(yaml.DoubleQuotedStyle|yaml.SingleQuotedStyle) == 0 {
				n.Tag = ""
			}
		}
	}
	return nil
}

// Scope identifies where a value sits in the descriptor, for error reporting.
type Scope struct {
	Service string
	Field   string
}

func scopeOf(path []string) Scope {
	s := Scope{Field: strings.Join(path, ".")}
	if len(path) > 1 && path[0] == "services" {
		s.Service = path[1]
	}
	return s
}

// Substitute expands placeholders in one string.
//
//	$$            literal $
//	$KEY ${KEY}   value of KEY, error when absent
//	${KEY:-def}   def when KEY is absent or empty
//	${KEY-def}    def when KEY is absent
//	${KEY:?msg}   error with msg when KEY is absent or empty
//	${KEY?msg}    error with msg when KEY is absent
func Substitute(s string, env *EnvSource, scope Scope) (string, error) {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}

		next := s[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i++
		case next == '{':
			end := closingBrace(s[i+2:])
			if end < 0 {
				return "", &PlaceholderError{Field: scope.Field, Value: s}
			}
			expr := s[i+2 : i+2+end]
			v, err := expand(expr, env, scope)
			if err != nil {
				if err == ErrInvalidPlaceholder {
					return "", &PlaceholderError{Field: scope.Field, Value: s}
				}
				return "", err
			}
			b.WriteString(v)
			i += 2 + end
		case isNameStart(next):
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			v, err := expand(s[i+1:j], env, scope)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// closingBrace returns the index of the } that closes a placeholder whose
// body starts at s[0], skipping nested ${...} pairs, or -1.
func closingBrace(s string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '$':
			i++
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			depth++
			i++
		case s[i] == '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

// expand resolves one placeholder body. Default and message text come from
// the descriptor and may hold placeholders of their own; values taken from
// the Environment Source are never rescanned.
func expand(expr string, env *EnvSource, scope Scope) (string, error) {
	name := expr
	op, arg := "", ""
	for _, candidate := range []string{":-", ":?", "-", "?"} {
		if idx := strings.Index(expr, candidate); idx > 0 {
			if op == "" || idx < len(name) {
				name, op, arg = expr[:idx], candidate, expr[idx+len(candidate):]
			}
		}
	}
	if !isName(name) {
		return "", ErrInvalidPlaceholder
	}

	v, ok := env.Lookup(name)
	switch op {
	case ":-":
		if !ok || v == "" {
			return Substitute(arg, env, scope)
		}
	case "-":
		if !ok {
			return Substitute(arg, env, scope)
		}
	case ":?":
		if !ok || v == "" {
			return "", &MissingKeyError{Key: name, Service: scope.Service, Field: scope.Field, Message: message(arg, env, scope)}
		}
	case "?":
		if !ok {
			return "", &MissingKeyError{Key: name, Service: scope.Service, Field: scope.Field, Message: message(arg, env, scope)}
		}
	default:
		if !ok {
			return "", &MissingKeyError{Key: name, Service: scope.Service, Field: scope.Field}
		}
	}
	return v, nil
}

func message(arg string, env *EnvSource, scope Scope) string {
	if m, err := Substitute(arg, env, scope); err == nil {
		return m
	}
	return arg
}

func isName(s string) bool {
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isNameChar(s[i]) {
			return false
		}
	}
	return true
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

func cloneNode(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Content = make([]*yaml.Node, len(n.Content))
	for i, child := range n.Content {
		c.Content[i] = cloneNode(child)
	}
	return &c
}
