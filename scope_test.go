package oauth

import (
	"encoding/json"
	"testing"
)

func TestNewScope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "single token", input: "read", want: "read"},
		{name: "multiple tokens", input: "read write", want: "read write"},
		{name: "duplicates collapse", input: "a b a c", want: "a b c"},
		{name: "repeated spaces", input: "  a   b ", want: "a b"},
		{name: "empty", input: "", want: ""},
		{name: "punctuation allowed", input: "user:email repo/status #!", want: "user:email repo/status #!"},
		{name: "double quote rejected", input: `a "b"`, wantErr: true},
		{name: "backslash rejected", input: `a\b`, wantErr: true},
		{name: "tab rejected", input: "a\tb", wantErr: true},
		{name: "non ascii rejected", input: "lecture-écriture", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewScope(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewScope(%q) expected error", tt.input)
				}
				if !HasCode(err, ErrorCodeInvalidScope) {
					t.Errorf("NewScope(%q) error = %v, want invalid_scope", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewScope(%q) unexpected error: %v", tt.input, err)
			}
			if got == nil {
				t.Fatal("NewScope returned nil scope")
			}
			if got.String() != tt.want {
				t.Errorf("String() = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	if err != nil || s != nil {
		t.Fatalf("ParseScope(\"\") = %v, %v; want nil, nil", s, err)
	}

	s, err = ParseScope("read write")
	if err != nil {
		t.Fatalf("ParseScope() unexpected error: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestScope_HasAndEquals(t *testing.T) {
	abc := MustScope("a b c")

	tests := []struct {
		name   string
		s      *Scope
		other  *Scope
		has    bool
		equals bool
	}{
		{"subset", abc, MustScope("b a"), true, false},
		{"same set different order", abc, MustScope("c a b"), true, true},
		{"superset", abc, MustScope("a b c d"), false, false},
		{"disjoint", abc, MustScope("x"), false, false},
		{"nil other", abc, nil, true, false},
		{"empty other", abc, MustScope(""), true, false},
		{"nil receiver nil other", nil, nil, true, true},
		{"nil receiver non-empty other", nil, MustScope("a"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Has(tt.other); got != tt.has {
				t.Errorf("Has() = %v, want %v", got, tt.has)
			}
			if got := tt.s.Equals(tt.other); got != tt.equals {
				t.Errorf("Equals() = %v, want %v", got, tt.equals)
			}
		})
	}
}

func TestScope_UnionIntersection(t *testing.T) {
	a := MustScope("a b c e")
	b := MustScope("b d e f")

	if got := a.Intersection(b).String(); got != "b e" {
		t.Errorf("Intersection() = %q, want %q", got, "b e")
	}
	if got := a.Union(b).String(); got != "a b c e d f" {
		t.Errorf("Union() = %q, want %q", got, "a b c e d f")
	}
	if a.String() != "a b c e" || b.String() != "b d e f" {
		t.Error("Union/Intersection must not modify their inputs")
	}
	if got := Union(nil, b).String(); got != "b d e f" {
		t.Errorf("Union(nil, b) = %q", got)
	}
	if got := Intersection(nil, b); got.Len() != 0 {
		t.Errorf("Intersection(nil, b) = %q, want empty", got)
	}
}

func TestScope_Mutation(t *testing.T) {
	s := MustScope("a b")
	_ = s.String() // populate cache

	if err := s.Add("c", "a"); err != nil {
		t.Fatalf("Add() unexpected error: %v", err)
	}
	if got := s.String(); got != "a b c" {
		t.Errorf("after Add String() = %q, want %q", got, "a b c")
	}

	if err := s.Add("ok", `bad"`); err == nil {
		t.Error("Add() with an invalid token should fail")
	}
	if s.Contains("ok") {
		t.Error("Add() must not partially apply on error")
	}

	s.Remove("b")
	if got := s.String(); got != "a c" {
		t.Errorf("after Remove String() = %q, want %q", got, "a c")
	}

	s.Clear()
	if s.Len() != 0 || s.String() != "" {
		t.Errorf("after Clear String() = %q, want empty", s.String())
	}
}

func TestScope_Clone(t *testing.T) {
	s := MustScope("a b")
	c := s.Clone()
	if err := c.Add("c"); err != nil {
		t.Fatal(err)
	}
	if s.Contains("c") {
		t.Error("mutating a clone must not affect the original")
	}
	var nilScope *Scope
	if nilScope.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestScope_RoundTrip(t *testing.T) {
	s := MustScope("openid  profile email profile")
	parsed := MustScope(s.String())
	if !parsed.Equals(s) {
		t.Errorf("re-parsed scope %q not equal to %q", parsed, s)
	}

	data, err := json.Marshal(struct {
		Scope *Scope `json:"scope"`
	}{s})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"scope":"openid profile email"}` {
		t.Errorf("json = %s", data)
	}

	var decoded struct {
		Scope *Scope `json:"scope"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.Scope.Equals(s) {
		t.Errorf("decoded scope = %q, want %q", decoded.Scope, s)
	}
}
