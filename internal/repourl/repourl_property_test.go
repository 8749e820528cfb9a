package repourl

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// genRepoPath produces host/org/repo paths from a constrained alphabet.
func genRepoPath(t *rapid.T) string {
	seg := rapid.StringMatching(`[a-z][a-z0-9-]{0,12}`)
	host := rapid.StringMatching(`[a-z][a-z0-9]{0,8}\.(com|io|dev)`).Draw(t, "host")
	org := seg.Draw(t, "org")
	repo := seg.Draw(t, "repo")
	return host + "/" + org + "/" + repo
}

func TestNormalizeIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := genRepoPath(t)
		once := Normalize("https://" + path)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("Normalize not idempotent: %q -> %q", once, twice)
		}
	})
}

func TestNormalizeCollapsesVariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := genRepoPath(t)

		base := Normalize("https://" + path)

		withGit := Normalize("https://" + path + ".git")
		withSlash := Normalize("https://" + path + "/")
		upper := Normalize("https://" + strings.ToUpper(path))
		withCreds := Normalize("https://user:tok3n@" + path + ".git/")

		for _, variant := range []string{withGit, withSlash, upper, withCreds} {
			if variant != base {
				t.Fatalf("variant key %q differs from base %q for path %q", variant, base, path)
			}
		}
	})
}

func TestNormalizeNeverKeepsCredentials(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := genRepoPath(t)
		token := rapid.StringMatching(`[A-Za-z0-9]{4,24}`).Draw(t, "token")

		key := Normalize("https://ci:" + token + "@" + path)
		if strings.Contains(key, strings.ToLower(token)) && !strings.Contains(path, strings.ToLower(token)) {
			t.Fatalf("credential leaked into key %q", key)
		}
		if strings.Contains(key, "@") {
			t.Fatalf("key %q still contains credential separator", key)
		}
	})
}
