package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateCaption(t *testing.T) {
	short := "instalación lista ✅"
	assert.Equal(t, short, truncateCaption(captionMaxLen, short))

	// Multi-byte runes near the cut must never be split mid-sequence.
	long := strings.Repeat("ñ", captionMaxLen+10)
	got := truncateCaption(captionMaxLen, long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, captionMaxLen, utf8.RuneCountInString(got))

	// Byte length over the limit but rune count under it stays intact.
	mixed := strings.Repeat("é", 900)
	assert.Equal(t, mixed, truncateCaption(captionMaxLen, mixed))
}

func TestMentionHTML(t *testing.T) {
	assert.Equal(t, `<a href="tg://user?id=7">Ana</a>`, MentionHTML(7, "Ana"))
	assert.Contains(t, MentionHTML(7, ""), "Técnico")
}
