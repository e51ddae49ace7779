package voice

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	replyLinkPattern   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	replyURLPattern    = regexp.MustCompile(`https?://\S+`)
	replyInlineCode    = regexp.MustCompile("`+[^`]*`+")
	replyListMarker    = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)
	replyEmphasisRunes = strings.NewReplacer("**", "", "__", "", "*", "", "~~", "")
)

// SpeechText turns a completion reply into text a synthesizer can read aloud.
//
// Replies arrive as chat markdown. Fenced code is skipped, headings, quotes
// and list markers lose their prefix, links keep their label, and each
// markdown line becomes its own spoken sentence. Emoji and symbol glyphs are
// dropped.
func SpeechText(reply string) string {
	var sentences []string
	fenced := false
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "```") {
			fenced = !fenced
			continue
		}
		if fenced || line == "" {
			continue
		}
		line = strings.TrimLeft(line, "#> ")
		line = replyListMarker.ReplaceAllString(line, "")
		line = replyLinkPattern.ReplaceAllString(line, "$1")
		line = replyURLPattern.ReplaceAllString(line, "")
		line = replyInlineCode.ReplaceAllStringFunc(line, func(code string) string {
			return strings.Trim(code, "`")
		})
		line = replyEmphasisRunes.Replace(line)
		if line = speakableRunes(line); line != "" {
			sentences = append(sentences, endSentence(line))
		}
	}
	return strings.Join(sentences, " ")
}

// speakableRunes drops symbols and collapses whitespace and separator
// punctuation into single spaces.
func speakableRunes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		case unicode.IsSpace(r) || r == '/' || r == '|' || r == '\\' || r == '_':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

func endSentence(s string) string {
	last, _ := utf8.DecodeLastRuneInString(s)
	if isSentenceEnd(last) || last == ',' || last == '，' || last == ':' || last == '：' {
		return s
	}
	if isCJK(last) {
		return s + "。"
	}
	return s + "."
}

// ClampSpeech cuts text to at most maxBytes, preferring the last sentence end
// that fits. Providers with request size limits call it before sending.
func ClampSpeech(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	head := text[:cut]
	best := -1
	for i, r := range head {
		if isSentenceEnd(r) {
			best = i + utf8.RuneLen(r)
		}
	}
	if best > 0 {
		return strings.TrimSpace(head[:best])
	}
	return strings.TrimSpace(head)
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
