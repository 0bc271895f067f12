package shoutcast

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNoICY is returned by Open when the server does not interleave metadata
// into the stream.
var ErrNoICY = errors.New("no ICY support")

const (
	// DefaultUserAgent identifies the monitor to stream servers.
	DefaultUserAgent = "smtchost/1.0 (ICY metadata monitor)"

	readBufferSize = 16 * 1024
	// Upper bound for headers inlined at the start of the body.
	inlineHeaderPeek = 4096
)

// Client opens ICY streams. It is safe for concurrent use and is meant to be
// reused across reconnects.
type Client struct {
	UserAgent string

	http *http.Client
}

// NewClient returns a Client with connection timeouts but no read timeout, so
// a stream can be watched indefinitely.
func NewClient(userAgent string) *Client {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:           icyDialContext(dialer),
		ResponseHeaderTimeout: 10 * time.Second, // Only timeout on initial connection
		DisableCompression:    true,
	}

	return &Client{
		UserAgent: userAgent,
		http:      &http.Client{Transport: transport},
	}
}

// Stream represents an open stream positioned at the first audio byte.
type Stream struct {
	// The name of the server
	Name string

	// What category the server falls under
	Genre string

	// The description of the stream
	Description string

	// Homepage of the server
	URL string

	// Bitrate of the server
	Bitrate int

	// Charset declared in the response Content-Type, if any
	Charset string

	// Amount of audio bytes between metadata blocks
	metaint int

	r  *bufio.Reader
	rc io.ReadCloser
}

// Open requests url with ICY metadata enabled. Cancelling ctx aborts any read
// in progress on the returned Stream. ErrNoICY is returned when the server
// does not announce a positive metaint.
func (c *Client) Open(ctx context.Context, url string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Icy-MetaData", "1")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "http request")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	r := bufio.NewReaderSize(resp.Body, readBufferSize)
	header := resp.Header
	if header.Get("icy-metaint") == "" {
		if inline, n, ok := parseInlineHeaders(peek(r, inlineHeaderPeek)); ok {
			if _, err := r.Discard(n); err != nil {
				resp.Body.Close()
				return nil, errors.Wrap(err, "discard inline headers")
			}
			header = inline
		}
	}

	metaint, err := strconv.Atoi(strings.TrimSpace(header.Get("icy-metaint")))
	if err != nil || metaint <= 0 {
		resp.Body.Close()
		return nil, ErrNoICY
	}

	// A bad bitrate is informational only.
	bitrate, _ := strconv.Atoi(strings.TrimSpace(header.Get("icy-br")))

	return &Stream{
		Name:        header.Get("icy-name"),
		Genre:       header.Get("icy-genre"),
		Description: header.Get("icy-description"),
		URL:         header.Get("icy-url"),
		Bitrate:     bitrate,
		Charset:     declaredCharset(resp.Header.Get("Content-Type")),
		metaint:     metaint,
		r:           r,
		rc:          resp.Body,
	}, nil
}

// MetaInt returns the number of audio bytes between metadata blocks.
func (s *Stream) MetaInt() int {
	return s.metaint
}

// ReadMetadata skips the audio up to the next non-empty metadata block and
// returns its payload. A short read anywhere is reported as io.EOF.
func (s *Stream) ReadMetadata() ([]byte, error) {
	for {
		if _, err := s.r.Discard(s.metaint); err != nil {
			return nil, endOfStream(err)
		}

		lengthByte, err := s.r.ReadByte()
		if err != nil {
			return nil, endOfStream(err)
		}

		blockLen := int(lengthByte) * 16
		if blockLen == 0 {
			continue
		}

		block := make([]byte, blockLen)
		if _, err := io.ReadFull(s.r, block); err != nil {
			return nil, endOfStream(err)
		}
		return block, nil
	}
}

// Close closes the stream
func (s *Stream) Close() error {
	return s.rc.Close()
}

func endOfStream(err error) error {
	if err == io.ErrUnexpectedEOF {
		return io.EOF
	}
	return err
}

func peek(r *bufio.Reader, n int) []byte {
	// Peek returns what is buffered along with an error when fewer than n
	// bytes are available; the short slice is still usable.
	b, _ := r.Peek(n)
	return b
}

// parseInlineHeaders recognises ICY headers sent at the start of the body, as
// some relays do, and returns them with the number of bytes they occupy.
func parseInlineHeaders(b []byte) (http.Header, int, bool) {
	end := bytes.Index(b, []byte("\r\n\r\n"))
	if end < 0 {
		return nil, 0, false
	}

	block := b[:end+4]
	first, _, _ := bytes.Cut(block, []byte("\r\n"))
	upper := bytes.ToUpper(first)
	switch {
	case bytes.HasPrefix(upper, []byte("ICY ")), bytes.HasPrefix(upper, []byte("HTTP/")):
		block = block[len(first)+2:]
	case bytes.HasPrefix(upper, []byte("ICY-")):
	default:
		return nil, 0, false
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))
	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, 0, false
	}
	return http.Header(mh), end + 4, true
}

func declaredCharset(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}
