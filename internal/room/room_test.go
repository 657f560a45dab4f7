package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveKeepsWellFormedCode(t *testing.T) {
	cases := map[string]Code{
		"abc-defg-hij":  "abc-defg-hij",
		"#abc-defg-hij": "abc-defg-hij",
		"zzz-zzzz-zzz":  "zzz-zzzz-zzz",
	}

	for raw, want := range cases {
		published := false
		got := Resolve(raw, func(Code) { published = true })

		assert.Equal(t, want, got, raw)
		assert.False(t, published, "existing code %q must not be republished", raw)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	first := Resolve("", nil)
	second := Resolve(string(first), nil)
	assert.Equal(t, first, second)
}

func TestResolveGeneratesForMalformedInput(t *testing.T) {
	inputs := []string{
		"",
		"#",
		"ABC-DEFG-HIJ",
		"abc-defg-hi",
		"abcd-efg-hij",
		"abc_defg_hij",
		"abc-defg-hij-",
		" abc-def1-hij",
		" abc-defg-hij",
		"abc-defg-hij\n",
		"# abc-defg-hij",
		"##abc-defg-hij",
	}

	for _, raw := range inputs {
		t.Run(raw, func(t *testing.T) {
			var published Code
			got := Resolve(raw, func(c Code) { published = c })

			require.True(t, Valid(string(got)), "generated %q", got)
			assert.Equal(t, got, published)
		})
	}
}

func TestGenerateUsesWholeAlphabet(t *testing.T) {
	seen := map[rune]bool{}
	for i := 0; i < 500; i++ {
		code := Generate()
		require.True(t, Valid(string(code)))
		for _, r := range string(code) {
			if r != '-' {
				seen[r] = true
			}
		}
	}
	// 5000 draws over 26 letters; missing one is vanishingly unlikely.
	assert.Len(t, seen, len(alphabet))
}

func TestFromURL(t *testing.T) {
	assert.Equal(t, "abc-defg-hij", FromURL("https://example.com/#abc-defg-hij"))
	assert.Equal(t, "abc-defg-hij", FromURL("abc-defg-hij"))
	assert.Equal(t, "https://example.com/", FromURL("https://example.com/"))
}

func TestShareURL(t *testing.T) {
	assert.Equal(t, "https://example.com/#abc-defg-hij", ShareURL("https://example.com/", "abc-defg-hij"))
	assert.Equal(t, "http://h:8080/#abc-defg-hij", ShareURL("http://h:8080", "abc-defg-hij"))
}
