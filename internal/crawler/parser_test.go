package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sectionPage = `
<html><body>
<div class="thread-list">
  <div class="thread-row">
    <a class="thread-title" href="/threads/101">Firmware 2.3 bricked my router</a>
    <span class="thread-author">netadmin42</span>
    <span class="thread-replies">17</span>
    <time datetime="2026-02-11T09:30:00Z">Feb 11</time>
  </div>
  <div class="thread-row">
    <a class="thread-title" href="https://forum.example.com/threads/102">Sticky: posting rules</a>
    <span class="thread-author">moderator</span>
    <span class="thread-replies">not-a-number</span>
  </div>
  <div class="thread-row">
    <span class="thread-author">ghost</span>
  </div>
</div>
</body></html>`

func testSection() Section {
	return Section{Name: "networking", BaseURL: "https://forum.example.com/f/networking", MaxPages: 50}
}

func TestParsePageExtractsThreads(t *testing.T) {
	t.Parallel()

	recs, err := NewHTMLParser().ParsePage([]byte(sectionPage), testSection(), 3)
	require.NoError(t, err)
	require.Len(t, recs, 2, "row without a title link is skipped")

	first := recs[0]
	require.Equal(t, "networking", first.Section)
	require.Equal(t, 3, first.Page)
	require.Equal(t, "Firmware 2.3 bricked my router", first.Title)
	require.Equal(t, "netadmin42", first.Author)
	require.Equal(t, 17, first.Replies)
	require.Equal(t, "https://forum.example.com/threads/101", first.URL, "relative href resolves against the section base")
	require.Equal(t, time.Date(2026, 2, 11, 9, 30, 0, 0, time.UTC), first.PostedAt)

	second := recs[1]
	require.Equal(t, "https://forum.example.com/threads/102", second.URL)
	require.Zero(t, second.Replies, "unparseable reply count defaults to zero")
	require.True(t, second.PostedAt.IsZero())
}

func TestParsePageEmptyBody(t *testing.T) {
	t.Parallel()

	recs, err := NewHTMLParser().ParsePage([]byte("<html><body></body></html>"), testSection(), 1)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://Forum.Example.com:443/f/networking?b=2&a=1#latest")
	require.NoError(t, err)
	require.Equal(t, "https://forum.example.com/f/networking?a=1&b=2", got)
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	got, err := PageURL(testSection(), 7)
	require.NoError(t, err)
	require.Equal(t, "https://forum.example.com/f/networking?page=7", got)
}
