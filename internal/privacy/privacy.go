// Package privacy decides which repositories may be named in generated text
// and scrubs the ones that may not.
package privacy

import (
	"regexp"
	"sort"
	"strings"
)

// Class is the privacy classification of a repository.
type Class string

const (
	Self      Class = "self"
	MemberOrg Class = "member-org"
	Private   Class = "private"
	External  Class = "external"
)

// Placeholders substituted for hidden repository names. They contain no
// ASCII, so they can never spell a repository name themselves.
const (
	FullNamePlaceholder = "〈非公開リポジトリ〉"
	NamePlaceholder     = "〈非公開〉"
)

// Classifier labels repositories for one tracked user.
type Classifier struct {
	user       string
	memberOrgs map[string]struct{}
}

// NewClassifier returns a Classifier for the tracked user login and the
// organizations whose repositories must never be named.
func NewClassifier(user string, memberOrgs []string) *Classifier {
	orgs := make(map[string]struct{}, len(memberOrgs))
	for _, org := range memberOrgs {
		orgs[strings.ToLower(org)] = struct{}{}
	}
	return &Classifier{user: strings.ToLower(user), memberOrgs: orgs}
}

// Classify is a pure function of the visibility flag and the owner login.
// A private repository is always Private, whatever its owner.
func (c *Classifier) Classify(private bool, owner string) Class {
	if private {
		return Private
	}
	owner = strings.ToLower(owner)
	if _, ok := c.memberOrgs[owner]; ok {
		return MemberOrg
	}
	if owner == c.user {
		return Self
	}
	return External
}

// CanShowName reports whether a repository of this class may be named.
func CanShowName(class Class) bool {
	return class == Self || class == External
}

// Valid reports whether s names a known class.
func Valid(s string) bool {
	switch Class(s) {
	case Self, MemberOrg, Private, External:
		return true
	}
	return false
}

// Redact replaces every hidden repository name in text.
//
// Full "owner/name" strings become FullNamePlaceholder and bare names matched
// on word boundaries become NamePlaceholder, both case-insensitively. A final
// substring sweep removes anything the boundary match left behind, so no
// hidden name survives in any casing.
func Redact(text string, fullNames []string) string {
	if text == "" || len(fullNames) == 0 {
		return text
	}

	full, bare := splitNames(fullNames)

	if re := alternation(full, false); re != nil {
		text = re.ReplaceAllLiteralString(text, FullNamePlaceholder)
	}
	if re := alternation(bare, true); re != nil {
		text = re.ReplaceAllString(text, "${1}"+NamePlaceholder)
	}
	if re := alternation(bare, false); re != nil {
		text = re.ReplaceAllLiteralString(text, NamePlaceholder)
	}
	return text
}

// splitNames returns the distinct full names and bare names, longest first so
// that alternation prefers the longest match.
func splitNames(fullNames []string) (full, bare []string) {
	seenFull := make(map[string]bool)
	seenBare := make(map[string]bool)
	for _, name := range fullNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if key := strings.ToLower(name); !seenFull[key] {
			seenFull[key] = true
			full = append(full, name)
		}
		b := name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			b = name[i+1:]
		}
		if key := strings.ToLower(b); b != "" && !seenBare[key] {
			seenBare[key] = true
			bare = append(bare, b)
		}
	}
	byLength := func(s []string) {
		sort.SliceStable(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })
	}
	byLength(full)
	byLength(bare)
	return full, bare
}

// alternation compiles a case-insensitive pattern matching any of names.
// With boundary set, a match must follow the start of text or a non-word
// character (captured as group 1 so it can be put back) and end on a word
// boundary.
func alternation(names []string, boundary bool) *regexp.Regexp {
	if len(names) == 0 {
		return nil
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	body := "(?:" + strings.Join(quoted, "|") + ")"
	if boundary {
		return regexp.MustCompile(`(?i)(^|[^\w])` + body + `\b`)
	}
	return regexp.MustCompile(`(?i)` + body)
}
