package stringutil

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestTruncateStringCutsOnRuneBoundaries(t *testing.T) {
	// 10 three-byte runes: a byte-index cut at 8 would split a rune.
	s := "日本語のテキストです__"
	got := TruncateString(s, 8)
	require.Equal(t, 8, utf8.RuneCountInString(got))
	require.True(t, utf8.ValidString(got))
	require.Equal(t, "日本語のテキスト", got)
}

func TestTruncateStringShortInputUnchanged(t *testing.T) {
	require.Equal(t, "abc", TruncateString("abc", 8))
	require.Equal(t, "héllo", TruncateString("héllo", 5))
}

func TestTruncateStringWithEllipsis(t *testing.T) {
	require.Equal(t, "abcdefgh", TruncateStringWithEllipsis("abcdefgh", 8))
	require.Equal(t, "abcde...", TruncateStringWithEllipsis("abcdefghij", 8))

	got := TruncateStringWithEllipsis("émoji 🎉🎉🎉🎉🎉🎉🎉🎉", 10)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, "émoji 🎉...", got)
}

func TestTruncateStringWithEllipsisTinyMax(t *testing.T) {
	require.Equal(t, "abc", TruncateStringWithEllipsis("abcdef", 3))
}
