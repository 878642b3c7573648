package match

import "strings"

// Pattern is a compiled '*' wildcard used for interface names.
type Pattern struct {
	segments []string
	prefix   bool
	suffix   bool
	any      bool
}

// Compile parses pattern into a reusable matcher.
// Params: pattern may contain '*' wildcards.
// Returns: matcher and false when pattern is blank.
func Compile(pattern string) (Pattern, bool) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return Pattern{}, false
	}
	if strings.Trim(p, "*") == "" {
		return Pattern{any: true}, true
	}

	return Pattern{
		segments: strings.Split(p, "*"),
		prefix:   !strings.HasPrefix(p, "*"),
		suffix:   !strings.HasSuffix(p, "*"),
	}, true
}

// Match reports whether value satisfies the pattern.
// Segments are matched left to right at their earliest position.
// Params: value compared text.
// Returns: true on match.
func (p Pattern) Match(value string) bool {
	if p.any {
		return true
	}
	segments := p.segments
	if len(segments) == 0 {
		return false
	}
	if len(segments) == 1 {
		return value == segments[0]
	}

	if p.prefix {
		if !strings.HasPrefix(value, segments[0]) {
			return false
		}
		value = value[len(segments[0]):]
	}
	segments = segments[1:]

	tail := ""
	if p.suffix {
		tail = segments[len(segments)-1]
		segments = segments[:len(segments)-1]
		if len(value) < len(tail) || !strings.HasSuffix(value, tail) {
			return false
		}
		value = value[:len(value)-len(tail)]
	}

	for _, segment := range segments {
		if segment == "" {
			continue
		}
		idx := strings.Index(value, segment)
		if idx < 0 {
			return false
		}
		value = value[idx+len(segment):]
	}
	return true
}

// Set is an ordered list of compiled patterns.
type Set []Pattern

// CompileSet compiles every non-blank pattern.
// Params: patterns wildcard list.
// Returns: compiled set, blank entries skipped.
func CompileSet(patterns []string) Set {
	set := make(Set, 0, len(patterns))
	for _, pattern := range patterns {
		if compiled, ok := Compile(pattern); ok {
			set = append(set, compiled)
		}
	}
	return set
}

// Any reports whether any pattern in the set matches value.
func (s Set) Any(value string) bool {
	for _, pattern := range s {
		if pattern.Match(value) {
			return true
		}
	}
	return false
}
