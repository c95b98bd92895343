package fleet

import (
	"fmt"
	"strings"
)

// MatchLabel evaluates a label expression against the configured labels
// (whitespace-separated atoms). Expressions support atoms, !, &&, || and
// parentheses. An empty expression never matches.
func MatchLabel(expr, configured string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	have := make(map[string]bool)
	for _, atom := range strings.Fields(configured) {
		have[atom] = true
	}

	p := &labelParser{tokens: tokenizeLabel(expr)}
	v, err := p.or(have)
	if err != nil {
		return false, err
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("label expression %q: unexpected %q", expr, p.tokens[p.pos])
	}
	return v, nil
}

func tokenizeLabel(s string) []string {
	var tokens []string
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')' || c == '!':
			tokens = append(tokens, string(c))
			i++
		case strings.HasPrefix(s[i:], "&&"), strings.HasPrefix(s[i:], "||"):
			tokens = append(tokens, s[i:i+2])
			i += 2
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n()!&|", rune(s[j])) {
				j++
			}
			if j == i {
				// A lone & or |.
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		}
	}
	return tokens
}

type labelParser struct {
	tokens []string
	pos    int
}

func (p *labelParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *labelParser) or(have map[string]bool) (bool, error) {
	v, err := p.and(have)
	if err != nil {
		return false, err
	}
	for p.peek() == "||" {
		p.pos++
		r, err := p.and(have)
		if err != nil {
			return false, err
		}
		v = v || r
	}
	return v, nil
}

func (p *labelParser) and(have map[string]bool) (bool, error) {
	v, err := p.unary(have)
	if err != nil {
		return false, err
	}
	for p.peek() == "&&" {
		p.pos++
		r, err := p.unary(have)
		if err != nil {
			return false, err
		}
		v = v && r
	}
	return v, nil
}

func (p *labelParser) unary(have map[string]bool) (bool, error) {
	switch tok := p.peek(); tok {
	case "":
		return false, fmt.Errorf("label expression ends unexpectedly")
	case "!":
		p.pos++
		v, err := p.unary(have)
		return !v, err
	case "(":
		p.pos++
		v, err := p.or(have)
		if err != nil {
			return false, err
		}
		if p.peek() != ")" {
			return false, fmt.Errorf("label expression: missing )")
		}
		p.pos++
		return v, nil
	case ")", "&&", "||", "&", "|":
		return false, fmt.Errorf("label expression: unexpected %q", tok)
	default:
		p.pos++
		return have[tok], nil
	}
}
