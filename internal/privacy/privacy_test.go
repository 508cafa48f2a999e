package privacy

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier("eve0415", []string{"DigitaltalPlayground"})

	tests := []struct {
		name    string
		private bool
		owner   string
		want    Class
	}{
		{"private always wins", true, "facebook", Private},
		{"private self", true, "eve0415", Private},
		{"private member org", true, "DigitaltalPlayground", Private},
		{"self", false, "eve0415", Self},
		{"self case insensitive", false, "EVE0415", Self},
		{"external", false, "facebook", External},
		{"member org", false, "DigitaltalPlayground", MemberOrg},
		{"member org case insensitive", false, "digitaltalplayground", MemberOrg},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.private, tt.owner)
			assert.Equal(t, tt.want, got)
			// Pure: same inputs, same answer
			assert.Equal(t, got, c.Classify(tt.private, tt.owner))
		})
	}
}

func TestCanShowName(t *testing.T) {
	assert.True(t, CanShowName(Self))
	assert.True(t, CanShowName(External))
	assert.False(t, CanShowName(Private))
	assert.False(t, CanShowName(MemberOrg))
}

func TestValid(t *testing.T) {
	for _, c := range []Class{Self, MemberOrg, Private, External} {
		assert.True(t, Valid(string(c)))
	}
	assert.False(t, Valid("public"))
}

func TestRedact(t *testing.T) {
	names := []string{"eve0415/secret-api", "DigitaltalPlayground/bot"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "full name",
			in:   "Refactored eve0415/secret-api auth layer",
			want: "Refactored " + FullNamePlaceholder + " auth layer",
		},
		{
			name: "bare name case insensitive",
			in:   "Worked on SECRET-API and bot.",
			want: "Worked on " + NamePlaceholder + " and " + NamePlaceholder + ".",
		},
		{
			name: "start of text",
			in:   "bot: fix crash",
			want: NamePlaceholder + ": fix crash",
		},
		{
			name: "adjacent occurrences",
			in:   "bot bot",
			want: NamePlaceholder + " " + NamePlaceholder,
		},
		{
			name: "substring inside a longer word is still removed",
			in:   "robots are fun",
			want: "ro" + NamePlaceholder + "s are fun",
		},
		{
			name: "unrelated text untouched",
			in:   "Improved CI caching",
			want: "Improved CI caching",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in, names))
		})
	}
}

func TestRedact_NoNames(t *testing.T) {
	assert.Equal(t, "keep me", Redact("keep me", nil))
	assert.Equal(t, "keep me", Redact("keep me", []string{"", "  "}))
}

func TestRedact_NeverLeaks(t *testing.T) {
	rng := rand.New(rand.NewSource(415))
	alphabet := "abcdefgABCDEFG0123-._/ "

	randomString := func(n int) string {
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		return b.String()
	}
	randomName := func() string {
		const chars = "abcdefgABC0123-._"
		name := func(n int) string {
			var b strings.Builder
			for i := 0; i < n; i++ {
				b.WriteByte(chars[rng.Intn(len(chars))])
			}
			return b.String()
		}
		return name(1+rng.Intn(6)) + "/" + name(1+rng.Intn(6))
	}

	for i := 0; i < 2000; i++ {
		names := make([]string, 1+rng.Intn(4))
		for j := range names {
			names[j] = randomName()
		}

		// Seed the text with the names in mixed case
		text := randomString(rng.Intn(40))
		for _, n := range names {
			variant := n
			if rng.Intn(2) == 0 {
				variant = strings.ToUpper(n)
			}
			text += randomString(rng.Intn(5)) + variant + randomString(rng.Intn(5))
			parts := strings.SplitN(n, "/", 2)
			text += " " + parts[1] + " "
		}

		out := strings.ToLower(Redact(text, names))
		for _, n := range names {
			lower := strings.ToLower(n)
			bare := lower[strings.LastIndex(lower, "/")+1:]
			if strings.Contains(out, lower) || strings.Contains(out, bare) {
				t.Fatalf("Redact(%q, %q) = %q leaks %q", text, names, out, n)
			}
		}
	}
}
