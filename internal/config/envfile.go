package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// EnvSource is an ordered, immutable KEY=VALUE mapping loaded from one file.
// A key declared twice keeps its first position and its last value.
type EnvSource struct {
	path   string
	keys   []string
	values map[string]string
}

// EnvLineError reports a line of the env file that is not KEY=VALUE.
type EnvLineError struct {
	Path string
	Line int
	Text string
}

func (e *EnvLineError) Error() string {
	return fmt.Sprintf("%s:%d: expected KEY=VALUE, got %q", e.Path, e.Line, e.Text)
}

func (e *EnvLineError) Is(target error) bool {
	return target == ErrInvalidEnvFile
}

// NewEnvSource builds a source from pairs given in declaration order.
func NewEnvSource(pairs ...[2]string) *EnvSource {
	s := &EnvSource{values: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		s.set(p[0], p[1])
	}
	return s
}

// LoadEnvFile reads path. A missing file yields an empty source when
// optional is true; every other read failure is returned.
func LoadEnvFile(path string, optional bool) (*EnvSource, error) {
	f, err := os.Open(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return &EnvSource{path: path, values: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	return ParseEnv(path, f)
}

// ParseEnv parses KEY=VALUE lines. Values are taken literally: surrounding
// quotes are stripped but nothing inside them is expanded.
func ParseEnv(path string, r io.Reader) (*EnvSource, error) {
	s := &EnvSource{path: path, values: map[string]string{}}

	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || !envKeyPattern.MatchString(key) {
			return nil, &EnvLineError{Path: path, Line: n, Text: sc.Text()}
		}
		s.set(key, unquote(strings.TrimSpace(value)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return s, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	// trailing comment on an unquoted value
	if i := strings.Index(v, " #"); i >= 0 {
		return strings.TrimSpace(v[:i])
	}
	return v
}

func (s *EnvSource) set(key, value string) {
	if _, seen := s.values[key]; !seen {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Path is the file the source was read from.
func (s *EnvSource) Path() string { return s.path }

// Lookup returns the value for key.
func (s *EnvSource) Lookup(key string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.values[key]
	return v, ok
}

// Keys returns keys in declaration order.
func (s *EnvSource) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Len is the number of distinct keys.
func (s *EnvSource) Len() int { return len(s.keys) }

// Map returns a copy of the key/value pairs.
func (s *EnvSource) Map() map[string]string {
	m := make(map[string]string, len(s.values))
	for k, v := range s.values {
		m[k] = v
	}
	return m
}
