package canon

import (
	"errors"
	"strings"
	"testing"
)

func TestCanonicalizeCollapsesEquivalentURLs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "scheme host case www and tracking",
			raw:  "http://www.Example.com/a/?utm_source=x",
			want: "https://example.com/a",
		},
		{
			name: "already canonical",
			raw:  "https://example.com/a",
			want: "https://example.com/a",
		},
		{
			name: "empty path",
			raw:  "https://example.com",
			want: "https://example.com/",
		},
		{
			name: "root path trailing slash",
			raw:  "https://example.com/",
			want: "https://example.com/",
		},
		{
			name: "multiple trailing slashes",
			raw:  "https://example.com/a/b///",
			want: "https://example.com/a/b",
		},
		{
			name: "fragment dropped",
			raw:  "https://example.com/a#section-2",
			want: "https://example.com/a",
		},
		{
			name: "tracking blocklist and prefixes",
			raw:  "https://example.com/p?ref=abc&fbclid=1&gclid=2&yclid=3&mc_cid=4&mc_eid=5&utm_medium=email&keep=1",
			want: "https://example.com/p?keep=1",
		},
		{
			name: "uppercase tracking name stripped",
			raw:  "https://example.com/p?UTM_Source=x&Ref=y&a=1",
			want: "https://example.com/p?a=1",
		},
		{
			name: "blank values retained",
			raw:  "https://example.com/p?a=&b=2",
			want: "https://example.com/p?a=&b=2",
		},
		{
			name: "semicolon stays inside the value",
			raw:  "https://example.com/p?a=1;b=2",
			want: "https://example.com/p?a=1%3Bb%3D2",
		},
		{
			name: "surrounding whitespace",
			raw:  "  https://example.com/a  ",
			want: "https://example.com/a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.raw)
			if err != nil {
				t.Fatalf("Canonicalize(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Canonicalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"http://www.Example.com/a/?utm_source=x&b=2&a=1",
		"https://example.com/deep/path///?z=9&z=1&a=",
		"https://example.com/p?a=1;b=2",
		"http://example.com",
	}
	for _, raw := range inputs {
		once, err := Canonicalize(raw)
		if err != nil {
			t.Fatalf("Canonicalize(%q) error = %v", raw, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("Canonicalize(%q) error = %v", once, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: first %q, second %q", once, twice)
		}
	}
}

func TestCanonicalizeOrdersQueryParameters(t *testing.T) {
	left, err := Canonicalize("https://example.com/p?b=2&a=1")
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	right, err := Canonicalize("https://example.com/p?a=1&b=2")
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if left != right {
		t.Fatalf("parameter order changed result: %q vs %q", left, right)
	}
	if left != "https://example.com/p?a=1&b=2" {
		t.Fatalf("unexpected canonical query: %q", left)
	}
}

func TestCanonicalizeKeepsDuplicateParameters(t *testing.T) {
	got, err := Canonicalize("https://example.com/p?tag=b&tag=a")
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if got != "https://example.com/p?tag=a&tag=b" {
		t.Fatalf("duplicate parameters mishandled: %q", got)
	}
}

func TestCanonicalizeRejectsHostlessURLs(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative/path", "example.com/a"} {
		if _, err := Canonicalize(raw); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("Canonicalize(%q) error = %v, want ErrInvalidURL", raw, err)
		}
	}
}

func TestThreadKeyRequiresPrefix(t *testing.T) {
	for _, input := range []string{"", "https://example.com/a", "URL:https://example.com/a", "thread:abc"} {
		if _, err := ThreadKey(input); !errors.Is(err, ErrInvalidThreadKey) {
			t.Fatalf("ThreadKey(%q) error = %v, want ErrInvalidThreadKey", input, err)
		}
	}
}

func TestThreadKeyCanonicalizesRemainder(t *testing.T) {
	got, err := ThreadKey("url:http://www.Example.com/page/?ref=abc")
	if err != nil {
		t.Fatalf("ThreadKey() error = %v", err)
	}
	if got != "url:https://example.com/page" {
		t.Fatalf("ThreadKey() = %q", got)
	}

	same, err := ThreadKey("url:https://example.com/page")
	if err != nil {
		t.Fatalf("ThreadKey() error = %v", err)
	}
	if same != got {
		t.Fatalf("equivalent inputs resolved differently: %q vs %q", got, same)
	}
}

func TestThreadKeyRejectsOversizedInput(t *testing.T) {
	long := "url:https://example.com/" + strings.Repeat("a", 1200)
	if _, err := ThreadKey(long); !errors.Is(err, ErrInvalidThreadKey) {
		t.Fatalf("ThreadKey(long) error = %v, want ErrInvalidThreadKey", err)
	}
}

func TestThreadKeyRejectsInvalidURL(t *testing.T) {
	if _, err := ThreadKey("url:not a url"); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("ThreadKey() error = %v, want ErrInvalidURL", err)
	}
}
