package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://ex.com":                  "https://ex.com",
		"https://ex.com/":                 "https://ex.com",
		"HTTPS://EX.com:443/About/":       "https://ex.com/About",
		"http://ex.com:80/a#section":      "http://ex.com/a",
		"https://ex.com/a/?b=2&a=1#frag":  "https://ex.com/a?a=1&b=2",
		"https://ex.com/docs//":           "https://ex.com/docs",
		"https://ex.com:8443/x":           "https://ex.com:8443/x",
		"  https://ex.com/padded/ \n":     "https://ex.com/padded",
		"https://ex.com/path%20with/":     "https://ex.com/path%20with",
		"https://ex.com/?":                "https://ex.com",
		"https://ex.com/search?q=go+lang": "https://ex.com/search?q=go+lang",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestNormalizeURLIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"https://Ex.com/a/b/?z=1&y=2#top",
		"http://ex.com:80/",
		"https://ex.com/%7Euser/",
		"https://ex.com/a%2Fb/",
		"https://ex.com/?q=a%20b",
	}
	for _, in := range inputs {
		once, err := NormalizeURL(in)
		require.NoError(t, err)
		twice, err := NormalizeURL(once)
		require.NoError(t, err)
		require.Equal(t, once, twice, in)
	}
}

func TestNormalizeURLRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("http://[::1")
	require.Error(t, err)
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://ex.com/docs/intro")
	require.NoError(t, err)

	got, ok := ResolveLink(base, "../blog/post/#c")
	require.True(t, ok)
	require.Equal(t, "https://ex.com/blog/post", got)

	got, ok = ResolveLink(base, "https://other.org/")
	require.True(t, ok)
	require.Equal(t, "https://other.org", got)

	for _, href := range []string{"", "#top", "mailto:a@ex.com", "javascript:void(0)", "tel:123"} {
		_, ok := ResolveLink(base, href)
		require.False(t, ok, href)
	}
}

func TestIsHTTPURL(t *testing.T) {
	t.Parallel()

	require.True(t, IsHTTPURL("https://ex.com"))
	require.False(t, IsHTTPURL("ex.com"))
	require.False(t, IsHTTPURL("ftp://ex.com/file"))
	require.False(t, IsHTTPURL("https://"))
}
