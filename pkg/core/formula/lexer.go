package formula

import (
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokCaret
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokLT
	tokLE
	tokGT
	tokGE
	tokEQ
	tokNE
	tokAnd
	tokOr
	tokNot
)

var tokenNames = map[tokenKind]string{
	tokEOF:      "end of formula",
	tokNumber:   "number",
	tokIdent:    "identifier",
	tokPlus:     "'+'",
	tokMinus:    "'-'",
	tokStar:     "'*'",
	tokSlash:    "'/'",
	tokCaret:    "'^'",
	tokLParen:   "'('",
	tokRParen:   "')'",
	tokLBracket: "'['",
	tokRBracket: "']'",
	tokComma:    "','",
	tokLT:       "'<'",
	tokLE:       "'<='",
	tokGT:       "'>'",
	tokGE:       "'>='",
	tokEQ:       "'=='",
	tokNE:       "'!='",
	tokAnd:      "'&&'",
	tokOr:       "'||'",
	tokNot:      "'!'",
}

func (k tokenKind) String() string { return tokenNames[k] }

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lex splits formula text into tokens. Identifiers may contain '.', ':'
// and digits after the first character so that "driver:REVENUE" and
// "bs.CASH" are single names.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && isDigit(src[j]) {
					for j < len(src) && isDigit(src[j]) {
						j++
					}
					i = j
				}
			}
			text := src[start:i]
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, &SyntaxError{Src: src, Pos: start, Msg: "invalid number " + strconv.Quote(text)}
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: v, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			text := src[start:i]
			if strings.HasSuffix(text, ":") || strings.HasSuffix(text, ".") {
				return nil, &SyntaxError{Src: src, Pos: i - 1, Msg: "identifier " + strconv.Quote(text) + " is incomplete"}
			}
			toks = append(toks, token{kind: tokIdent, text: text, pos: start})
		default:
			kind, width := operator(src, i)
			if width == 0 {
				return nil, &SyntaxError{Src: src, Pos: i, Msg: "unexpected character " + strconv.QuoteRune(rune(c))}
			}
			toks = append(toks, token{kind: kind, text: src[i : i+width], pos: i})
			i += width
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func operator(src string, i int) (tokenKind, int) {
	two := ""
	if i+1 < len(src) {
		two = src[i : i+2]
	}
	switch two {
	case "<=":
		return tokLE, 2
	case ">=":
		return tokGE, 2
	case "==":
		return tokEQ, 2
	case "!=", "<>":
		return tokNE, 2
	case "&&":
		return tokAnd, 2
	case "||":
		return tokOr, 2
	}
	switch src[i] {
	case '+':
		return tokPlus, 1
	case '-':
		return tokMinus, 1
	case '*':
		return tokStar, 1
	case '/':
		return tokSlash, 1
	case '^':
		return tokCaret, 1
	case '(':
		return tokLParen, 1
	case ')':
		return tokRParen, 1
	case '[':
		return tokLBracket, 1
	case ']':
		return tokRBracket, 1
	case ',':
		return tokComma, 1
	case '<':
		return tokLT, 1
	case '>':
		return tokGT, 1
	case '=':
		return tokEQ, 1
	case '!':
		return tokNot, 1
	}
	return tokEOF, 0
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.' || c == ':'
}
