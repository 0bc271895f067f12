package shoutcast

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// MaxPlaylistBytes caps how much of a playlist body is read.
const MaxPlaylistBytes = 256 * 1024

// parsePLS parses a PLS playlist file and returns the first stream URL
func parsePLS(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), "file") {
			if v := strings.TrimSpace(value); v != "" {
				return v, nil
			}
		}
	}

	return "", fmt.Errorf("no stream URL found in PLS playlist")
}

// parseM3U parses an M3U playlist file and returns the first stream URL
func parseM3U(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}

	return "", fmt.Errorf("no stream URL found in M3U playlist")
}

// isPlaylist reports .pls and .m3u URLs. HLS (.m3u8) is left to the engine.
func isPlaylist(u *url.URL) (pls, m3u bool) {
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".pls"), strings.HasSuffix(p, ".m3u")
}

// ResolveStreamURL resolves a .pls or .m3u playlist URL to the first stream it
// lists. Other URLs are returned unchanged. Relative entries are resolved
// against the playlist URL.
func (c *Client) ResolveStreamURL(ctx context.Context, rawURL string) (string, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, errors.Wrap(err, "parse url")
	}

	pls, m3u := isPlaylist(base)
	if !pls && !m3u {
		return rawURL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rawURL, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", c.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return rawURL, errors.Wrap(err, "failed to fetch playlist")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rawURL, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPlaylistBytes))
	if err != nil {
		return rawURL, errors.Wrap(err, "failed to read playlist")
	}
	content := strings.ToValidUTF8(string(data), "")

	var entry string
	if pls {
		entry, err = parsePLS(content)
	} else {
		entry, err = parseM3U(content)
	}
	if err != nil {
		return rawURL, err
	}

	ref, err := url.Parse(entry)
	if err != nil {
		return rawURL, errors.Wrap(err, "parse playlist entry")
	}
	return base.ResolveReference(ref).String(), nil
}
