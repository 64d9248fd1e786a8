package broker

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter narrows the messages a subscriber receives. Filters are
// validated and compiled once at subscribe time and never re-parsed
// per message.
type Filter struct {
	headers map[string]headerMatch
	payload map[string]string
}

type headerMatch struct {
	literal string
	pattern *regexp.Regexp
}

// FilterSpec is the wire form of a filter. Header values wrapped in
// slashes ("/.../") are compiled as regular expressions; anything else
// matches by string equality. Payload values compare against the
// string form of the payload field.
type FilterSpec struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// NewFilter compiles a filter spec. A nil or empty spec yields a nil
// filter, which matches everything.
func NewFilter(spec *FilterSpec) (*Filter, error) {
	if spec == nil || (len(spec.Headers) == 0 && len(spec.Payload) == 0) {
		return nil, nil
	}
	f := &Filter{
		headers: make(map[string]headerMatch, len(spec.Headers)),
		payload: make(map[string]string, len(spec.Payload)),
	}
	for key, val := range spec.Headers {
		if len(val) >= 2 && strings.HasPrefix(val, "/") && strings.HasSuffix(val, "/") {
			re, err := regexp.Compile(val[1 : len(val)-1])
			if err != nil {
				return nil, NewBrokerError(ErrCodeInvalidName, fmt.Sprintf("invalid header filter pattern for %q", key), err)
			}
			f.headers[key] = headerMatch{pattern: re}
			continue
		}
		f.headers[key] = headerMatch{literal: val}
	}
	for key, val := range spec.Payload {
		f.payload[key] = val
	}
	return f, nil
}

// Matches reports whether every declared predicate holds for the
// message. Missing header or payload keys fail the filter.
func (f *Filter) Matches(msg *Message) bool {
	if f == nil {
		return true
	}
	for key, match := range f.headers {
		val, ok := msg.Headers[key]
		if !ok {
			return false
		}
		if match.pattern != nil {
			if !match.pattern.MatchString(val) {
				return false
			}
		} else if val != match.literal {
			return false
		}
	}
	if len(f.payload) == 0 {
		return true
	}
	fields := msg.PayloadMap()
	for key, want := range f.payload {
		val, ok := fields[key]
		if !ok {
			return false
		}
		if stringify(val) != want {
			return false
		}
	}
	return true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without
		// a trailing fraction so "42" matches.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
