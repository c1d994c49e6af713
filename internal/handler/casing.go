package handler

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CaseType names a character case conversion.
type CaseType string

// Supported case conversions.
const (
	CaseUpper          CaseType = "upper"
	CaseLower          CaseType = "lower"
	CaseWords          CaseType = "words"
	CaseWordsFully     CaseType = "wordsFully"
	CaseSwap           CaseType = "swap"
	CaseSentences      CaseType = "sentences"
	CaseSentencesFully CaseType = "sentencesFully"
	CaseString         CaseType = "string"
	CaseStringFully    CaseType = "stringFully"
)

// ParseCaseType validates a case type name, ignoring case.
func ParseCaseType(s string) (CaseType, bool) {
	for _, ct := range []CaseType{
		CaseUpper, CaseLower, CaseWords, CaseWordsFully, CaseSwap,
		CaseSentences, CaseSentencesFully, CaseString, CaseStringFully,
	} {
		if strings.EqualFold(string(ct), strings.TrimSpace(s)) {
			return ct, true
		}
	}
	return "", false
}

// ChangeCase converts s. Unknown case types return s unchanged.
func ChangeCase(s string, ct CaseType) string {
	switch ct {
	case CaseUpper:
		return cases.Upper(language.Und).String(s)
	case CaseLower:
		return cases.Lower(language.Und).String(s)
	case CaseWords:
		return capitalizeWords(s)
	case CaseWordsFully:
		return capitalizeWords(cases.Lower(language.Und).String(s))
	case CaseSwap:
		return swapCase(s)
	case CaseSentences:
		return capitalizeSentences(s)
	case CaseSentencesFully:
		return capitalizeSentences(cases.Lower(language.Und).String(s))
	case CaseString:
		return capitalizeFirst(s)
	case CaseStringFully:
		return capitalizeFirst(cases.Lower(language.Und).String(s))
	default:
		return s
	}
}

func swapCase(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsUpper(r):
			return unicode.ToLower(r)
		case unicode.IsLower(r):
			return unicode.ToUpper(r)
		default:
			return r
		}
	}, s)
}

// capitalizeWords title-cases the first character after whitespace. Hyphens
// and apostrophes are not word breaks.
func capitalizeWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	boundary := true
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			boundary = true
		case boundary:
			r = unicode.ToTitle(r)
			boundary = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// capitalizeFirst upper-cases the first letter or digit, skipping any
// leading punctuation.
func capitalizeFirst(s string) string {
	for i, r := range s {
		if unicode.IsDigit(r) {
			return s
		}
		if unicode.IsLetter(r) {
			return s[:i] + string(unicode.ToUpper(r)) + s[i+utf8.RuneLen(r):]
		}
	}
	return s
}

// capitalizeSentences upper-cases the first character of the text and the
// first character after a terminator followed by whitespace. Any such
// character ends the sentence start, letter or not.
func capitalizeSentences(s string) string {
	if strings.TrimSpace(s) == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	ended, spaced := true, true
	for _, r := range s {
		switch {
		case r == '.' || r == '!' || r == '?':
			ended = true
		case ended && unicode.IsSpace(r):
			spaced = true
		default:
			if ended && spaced {
				r = unicode.ToUpper(r)
			}
			ended, spaced = false, false
		}
		b.WriteRune(r)
	}
	return b.String()
}
