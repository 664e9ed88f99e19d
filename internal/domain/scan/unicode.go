package scan

import (
	"unicode"

	"golang.org/x/text/unicode/rangetable"
)

// bidiOverrides are the directional formatting characters abused to
// visually reorder text (RLO/LRO/RLE/LRE/PDF plus the isolate forms).
var bidiOverrides = map[rune]string{
	'‪': "LRE",
	'‫': "RLE",
	'‬': "PDF",
	'‭': "LRO",
	'‮': "RLO",
	'⁦': "LRI",
	'⁧': "RLI",
	'⁨': "FSI",
	'⁩': "PDI",
}

// zeroWidth characters used to hide content inside otherwise innocuous text.
var zeroWidth = rangetable.New('\u200B', '\u200C', '\u200D', '\uFEFF')

// scanUnicode reports bidi override characters, zero-width characters,
// and mixed Latin/Cyrillic words (homoglyph spoofing) in content.
func scanUnicode(content string) []InjectionFinding {
	var findings []InjectionFinding

	var hasLatin, hasCyrillic bool
	wordStart := -1
	flushWord := func(end int) {
		if wordStart >= 0 && hasLatin && hasCyrillic {
			matched := content[wordStart:end]
			if len(matched) > 100 {
				matched = matched[:100]
			}
			findings = append(findings, InjectionFinding{
				PatternName: "mixed_script_homoglyph",
				Category:    "unicode_manipulation",
				Severity:    InjectionHigh,
				MatchedText: matched,
				Position:    wordStart,
			})
		}
		wordStart = -1
		hasLatin = false
		hasCyrillic = false
	}

	for i, r := range content {
		if name, ok := bidiOverrides[r]; ok {
			findings = append(findings, InjectionFinding{
				PatternName: "bidi_override",
				Category:    "unicode_manipulation",
				Severity:    InjectionCritical,
				MatchedText: name,
				Position:    i,
			})
		}
		if unicode.Is(zeroWidth, r) {
			findings = append(findings, InjectionFinding{
				PatternName: "zero_width_character",
				Category:    "unicode_manipulation",
				Severity:    InjectionHigh,
				MatchedText: "U+200B-class",
				Position:    i,
			})
		}

		if unicode.IsLetter(r) {
			if wordStart < 0 {
				wordStart = i
			}
			if unicode.Is(unicode.Latin, r) {
				hasLatin = true
			}
			if unicode.Is(unicode.Cyrillic, r) {
				hasCyrillic = true
			}
		} else {
			flushWord(i)
		}
	}
	flushWord(len(content))

	return findings
}
