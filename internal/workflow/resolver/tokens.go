package resolver

import (
	"strings"
)

// Token is one ${...} span inside a string.
type Token struct {
	Start int
	End   int // exclusive, just past the closing brace
	Body  string
}

// Raw returns the token as written.
func (t Token) Raw() string {
	return "${" + t.Body + "}"
}

// Segments splits the body on dots.
func (t Token) Segments() []string {
	return strings.Split(t.Body, ".")
}

// scan finds every well-formed token in s. A '$' not followed by '{', an
// unterminated "${", and bodies outside the reference alphabet are left as
// literal text.
func scan(s string) []Token {
	var tokens []Token
	offset := 0
	for {
		idx := strings.Index(s[offset:], "${")
		if idx < 0 {
			return tokens
		}
		start := offset + idx
		closing := strings.IndexByte(s[start+2:], '}')
		if closing < 0 {
			return tokens
		}
		end := start + 2 + closing + 1
		body := s[start+2 : end-1]
		if validBody(body) {
			tokens = append(tokens, Token{Start: start, End: end, Body: body})
			offset = end
			continue
		}
		offset = start + 2
	}
}

func validBody(body string) bool {
	if body == "" || strings.HasPrefix(body, ".") || strings.HasSuffix(body, ".") || strings.Contains(body, "..") {
		return false
	}
	for _, r := range body {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// whole reports whether s consists of exactly one token.
func whole(s string, tokens []Token) bool {
	return len(tokens) == 1 && tokens[0].Start == 0 && tokens[0].End == len(s)
}
