package gate

import (
	"strings"

	"golang.org/x/mod/semver"
)

const (
	tagRefPrefixConstant    = "refs/tags/"
	branchRefPrefixConstant = "refs/heads/"
	pullRefPrefixConstant   = "refs/pull/"
)

// ShortRef strips the refs/tags/, refs/heads/ or refs/pull/ prefix.
func ShortRef(ref string) string {
	trimmed := strings.TrimSpace(ref)
	for _, prefix := range []string{tagRefPrefixConstant, branchRefPrefixConstant, pullRefPrefixConstant} {
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimPrefix(trimmed, prefix)
		}
	}
	return trimmed
}

// Version returns the canonical semantic version named by a tag ref such as
// refs/tags/v1.2.3 or v1.2.3.
func Version(ref string) (string, bool) {
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, branchRefPrefixConstant) || strings.HasPrefix(trimmed, pullRefPrefixConstant) {
		return "", false
	}
	candidate := strings.TrimPrefix(trimmed, tagRefPrefixConstant)
	if !strings.HasPrefix(candidate, "v") || !semver.IsValid(candidate) {
		return "", false
	}
	return semver.Canonical(candidate), true
}

// IsVersionTag reports whether the ref names a semantic version tag.
func IsVersionTag(ref string) bool {
	_, valid := Version(ref)
	return valid
}
