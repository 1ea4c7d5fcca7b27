package condition

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// two-character operators must be tried before their one-character prefixes.
var operators = []string{"==", "!=", ">=", "<=", "&&", "||", ">", "<", "!"}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == '.' && (i+1 >= len(src) || !isDigit(src[i+1]) || endsPath(toks)):
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '"' || c == '\'':
			s, n, err := lexString(src[i:], byte(c))
			if err != nil {
				return nil, fmt.Errorf("position %d: %w", i, err)
			}
			toks = append(toks, token{tokString, s, i})
			i += n
		case isDigit(src[i]) || c == '.' || (c == '-' && i+1 < len(src) && isDigit(src[i+1]) && negativeAllowed(toks)):
			start := i
			i++
			if len(toks) > 0 && toks[len(toks)-1].kind == tokDot {
				// path segment such as items.0
				for i < len(src) && isDigit(src[i]) {
					i++
				}
				toks = append(toks, token{tokNumber, src[start:i], start})
				continue
			}
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '-' || src[i] == '+') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || isDigit(src[i]) || unicode.IsLetter(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op, i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("position %d: unexpected character %q", i, c)
			}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func endsPath(prev []token) bool {
	if len(prev) == 0 {
		return false
	}
	k := prev[len(prev)-1].kind
	return k == tokIdent || k == tokRBracket || k == tokNumber
}

// A leading '-' is a sign only where an operand is expected.
func negativeAllowed(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	switch prev[len(prev)-1].kind {
	case tokOp, tokLParen, tokLBracket:
		return true
	case tokIdent:
		switch prev[len(prev)-1].text {
		case "and", "or", "not":
			return true
		}
	}
	return false
}

func lexString(src string, quote byte) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			if i+1 >= len(src) {
				return "", 0, fmt.Errorf("unterminated escape")
			}
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(src[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
