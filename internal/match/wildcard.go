package match

import "strings"

// Pattern is a compiled '*' wildcard matcher.
// Params: literal segments between wildcards and anchor flags.
// Returns: reusable matcher for many Match calls.
type Pattern struct {
	segments []string
	prefix   bool
	suffix   bool
	any      bool
	literal  bool
}

// Compile compiles a pattern that may contain '*' wildcards.
// Params: pattern text; surrounding whitespace is ignored.
// Returns: compiled matcher and false when pattern is empty.
func Compile(pattern string) (Pattern, bool) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return Pattern{}, false
	}
	if strings.Trim(p, "*") == "" {
		return Pattern{any: true}, true
	}
	if !strings.Contains(p, "*") {
		return Pattern{segments: []string{p}, literal: true}, true
	}

	return Pattern{
		segments: strings.Split(p, "*"),
		prefix:   !strings.HasPrefix(p, "*"),
		suffix:   !strings.HasSuffix(p, "*"),
	}, true
}

// HasWildcard reports whether the pattern contains at least one '*'.
func (p Pattern) HasWildcard() bool {
	return p.any || (!p.literal && len(p.segments) > 1)
}

// Match evaluates the pattern against value.
// Params: value compared text.
// Returns: true on match.
func (p Pattern) Match(value string) bool {
	switch {
	case p.any:
		return true
	case p.literal:
		return value == p.segments[0]
	case len(p.segments) == 0:
		return false
	}

	rest := value
	first, last := 0, len(p.segments)-1

	if p.prefix {
		if !strings.HasPrefix(rest, p.segments[0]) {
			return false
		}
		rest = rest[len(p.segments[0]):]
		first = 1
	}

	if p.suffix {
		tail := p.segments[last]
		if !strings.HasSuffix(rest, tail) {
			return false
		}
		rest = rest[:len(rest)-len(tail)]
		last--
	}

	for idx := first; idx <= last; idx++ {
		segment := p.segments[idx]
		if segment == "" {
			continue
		}
		pos := strings.Index(rest, segment)
		if pos < 0 {
			return false
		}
		rest = rest[pos+len(segment):]
	}
	return true
}

// Wildcard evaluates pattern against value without keeping the compiled form.
// Params: pattern may contain '*'; value compared text.
// Returns: true on match.
func Wildcard(pattern, value string) bool {
	compiled, ok := Compile(pattern)
	if !ok {
		return false
	}
	return compiled.Match(value)
}
