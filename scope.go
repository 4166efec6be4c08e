package oauth

import (
	"encoding/json"
	"strings"
)

// Scope is an ordered set of scope tokens (RFC 6749 Section 3.3).
// Tokens keep their first insertion order, so String is deterministic.
//
// A nil *Scope means "no scope" and is safe to read from.
// A Scope is not safe for concurrent mutation; use Clone to isolate copies.
type Scope struct {
	tokens []string
	index  map[string]struct{}

	text   string
	cached bool
}

// validScopeToken reports whether token matches 1*( %x21 / %x23-5B / %x5D-7E ).
func validScopeToken(token string) bool {
	if token == "" {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c < 0x21 || c > 0x7E || c == 0x22 || c == 0x5C {
			return false
		}
	}
	return true
}

// NewScope parses a space-delimited scope string. Empty segments produced by
// repeated spaces are skipped. An empty string yields an empty, non-nil Scope.
func NewScope(text string) (*Scope, error) {
	s := &Scope{index: make(map[string]struct{})}
	for _, token := range strings.Split(text, " ") {
		if token == "" {
			continue
		}
		if !validScopeToken(token) {
			return nil, ErrInvalidScope("invalid scope")
		}
		s.add(token)
	}
	return s, nil
}

// ParseScope parses a scope parameter. An empty string means the parameter
// was absent and yields nil.
func ParseScope(text string) (*Scope, error) {
	if text == "" {
		return nil, nil
	}
	return NewScope(text)
}

// ScopeFrom builds a Scope from individual tokens.
func ScopeFrom(tokens ...string) (*Scope, error) {
	s := &Scope{index: make(map[string]struct{})}
	if err := s.Add(tokens...); err != nil {
		return nil, err
	}
	return s, nil
}

// MustScope is like NewScope but panics on invalid input. Intended for
// package-level scope declarations and tests.
func MustScope(text string) *Scope {
	s, err := NewScope(text)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Scope) add(token string) {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	if _, ok := s.index[token]; ok {
		return
	}
	s.index[token] = struct{}{}
	s.tokens = append(s.tokens, token)
	s.cached = false
}

// Add inserts tokens into the scope. Tokens already present keep their position.
// No token is added if any of them is invalid.
func (s *Scope) Add(tokens ...string) error {
	for _, token := range tokens {
		if !validScopeToken(token) {
			return ErrInvalidScope("invalid scope")
		}
	}
	for _, token := range tokens {
		s.add(token)
	}
	return nil
}

// Remove deletes tokens from the scope.
func (s *Scope) Remove(tokens ...string) {
	removed := false
	for _, token := range tokens {
		if _, ok := s.index[token]; ok {
			delete(s.index, token)
			removed = true
		}
	}
	if !removed {
		return
	}
	kept := s.tokens[:0]
	for _, token := range s.tokens {
		if _, ok := s.index[token]; ok {
			kept = append(kept, token)
		}
	}
	s.tokens = kept
	s.cached = false
}

// Clear removes every token.
func (s *Scope) Clear() {
	s.tokens = nil
	s.index = make(map[string]struct{})
	s.cached = false
}

// Len returns the number of tokens.
func (s *Scope) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tokens)
}

// Tokens returns a copy of the tokens in insertion order.
func (s *Scope) Tokens() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Contains reports whether a single token is present.
func (s *Scope) Contains(token string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[token]
	return ok
}

// Has reports whether every token of other is present in s.
// A nil or empty other is contained in any scope.
func (s *Scope) Has(other *Scope) bool {
	if other == nil {
		return true
	}
	for _, token := range other.tokens {
		if !s.Contains(token) {
			return false
		}
	}
	return true
}

// Equals reports set equality, ignoring order.
func (s *Scope) Equals(other *Scope) bool {
	return s.Len() == other.Len() && s.Has(other)
}

// Clone returns an independent copy. Cloning nil returns nil.
func (s *Scope) Clone() *Scope {
	if s == nil {
		return nil
	}
	c := &Scope{index: make(map[string]struct{}, len(s.tokens))}
	for _, token := range s.tokens {
		c.add(token)
	}
	return c
}

// Union returns a new scope holding the tokens of s followed by the new tokens of other.
func (s *Scope) Union(other *Scope) *Scope {
	return Union(s, other)
}

// Intersection returns a new scope holding the tokens of s that are also in other.
func (s *Scope) Intersection(other *Scope) *Scope {
	return Intersection(s, other)
}

// Union returns the union of the scopes in argument order. Inputs are not modified.
func Union(scopes ...*Scope) *Scope {
	out := &Scope{index: make(map[string]struct{})}
	for _, s := range scopes {
		if s == nil {
			continue
		}
		for _, token := range s.tokens {
			out.add(token)
		}
	}
	return out
}

// Intersection returns the tokens of the first scope present in every other scope.
func Intersection(first *Scope, rest ...*Scope) *Scope {
	out := &Scope{index: make(map[string]struct{})}
	if first == nil {
		return out
	}
	for _, token := range first.tokens {
		inAll := true
		for _, s := range rest {
			if !s.Contains(token) {
				inAll = false
				break
			}
		}
		if inAll {
			out.add(token)
		}
	}
	return out
}

// String returns the space-delimited form. The result is cached until the next mutation.
func (s *Scope) String() string {
	if s == nil {
		return ""
	}
	if !s.cached {
		s.text = strings.Join(s.tokens, " ")
		s.cached = true
	}
	return s.text
}

// MarshalJSON encodes the scope as its space-delimited string.
func (s *Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a space-delimited scope string.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	parsed, err := NewScope(text)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
