package framer_test

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/CZERTAINLY/probe-lens/internal/framer"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHTTP(t *testing.T) {
	t.Parallel()
	type then struct {
		done        bool
		status      int
		contentType string
		body        string
	}
	var testCases = []struct {
		scenario string
		opts     []framer.HTTPOption
		given    []string
		close    bool
		then     then
	}{
		{
			scenario: "content length",
			given:    []string{"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"},
			then:     then{done: true, status: 200, contentType: "text/plain", body: "hello"},
		},
		{
			scenario: "content length split and extra bytes",
			given:    []string{"HTTP/1.1 200 OK\r\nContent-", "Length: 5\r\n\r", "\nhel", "lo world"},
			then:     then{done: true, status: 200, body: "hello"},
		},
		{
			scenario: "chunked",
			given:    []string{"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"},
			then:     then{done: true, status: 200, body: "Wikipedia"},
		},
		{
			scenario: "chunked with extension and trailer",
			given:    []string{"HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip, chunked\r\n\r\n4;name=x\r\nWiki\r\n0\r\nExpires: never\r\n\r\n"},
			then:     then{done: true, status: 200, body: "Wiki"},
		},
		{
			scenario: "100 continue discarded",
			given:    []string{"HTTP/1.1 100 Continue\r\n\r\n", "HTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok"},
			then:     then{done: true, status: 201, body: "ok"},
		},
		{
			scenario: "100 continue in the same read",
			given:    []string{"HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"},
			then:     then{done: true, status: 200, body: "ok"},
		},
		{
			scenario: "bare LF delimiter",
			given:    []string{"HTTP/1.0 200 OK\nContent-Type: text/html; charset=utf-8\nContent-Length: 3\n\nabc"},
			then:     then{done: true, status: 200, contentType: "text/html; charset=utf-8", body: "abc"},
		},
		{
			scenario: "HEAD request",
			opts:     []framer.HTTPOption{framer.WithHeadRequest()},
			given:    []string{"HTTP/1.1 200 OK\r\nContent-Length: 500\r\n\r\n"},
			then:     then{done: true, status: 200},
		},
		{
			scenario: "204 no content",
			given:    []string{"HTTP/1.1 204 No Content\r\n\r\n"},
			then:     then{done: true, status: 204},
		},
		{
			scenario: "until close",
			given:    []string{"HTTP/1.0 200 OK\r\n\r\n", "part1", "part2"},
			close:    true,
			then:     then{done: true, status: 200, body: "part1part2"},
		},
		{
			scenario: "incomplete body",
			given:    []string{"HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"},
			then:     then{status: 200, body: "abc"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			h := framer.NewHTTP(tc.opts...)
			var done bool
			var err error
			for _, chunk := range tc.given {
				done, err = h.Feed([]byte(chunk))
				require.NoError(t, err)
			}
			if tc.close {
				done, err = h.Close()
				require.NoError(t, err)
			}
			require.Equal(t, tc.then.done, done)
			require.Equal(t, tc.then.status, h.Status())
			require.Equal(t, tc.then.contentType, h.ContentType())
			require.Equal(t, tc.then.body, string(h.Body()))
		})
	}
}

func TestHTTPErrors(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		close    bool
		then     error
	}{
		{scenario: "not http", given: "SSH-2.0-OpenSSH_9.6\r\n\r\n", then: framer.ErrFraming},
		{scenario: "bad status code", given: "HTTP/1.1 2x0 OK\r\n\r\n", then: framer.ErrFraming},
		{scenario: "bad header line", given: "HTTP/1.1 200 OK\r\nno colon here\r\n\r\n", then: framer.ErrFraming},
		{scenario: "bad content length", given: "HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n", then: framer.ErrFraming},
		{scenario: "bad chunk size", given: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", then: framer.ErrFraming},
		{scenario: "chunk size overflow", given: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("f", 17) + "\r\n", then: framer.ErrFraming},
		{scenario: "missing chunk terminator", given: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nabX", then: framer.ErrFraming},
		{scenario: "closed in header", given: "HTTP/1.1 200 OK\r\n", close: true, then: framer.ErrFraming},
		{scenario: "closed in body", given: "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nab", close: true, then: framer.ErrFraming},
		{scenario: "closed in chunks", given: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nab", close: true, then: framer.ErrFraming},
		{scenario: "closed without response", given: "", close: true, then: framer.ErrNoResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			h := framer.NewHTTP()
			_, err := h.Feed([]byte(tc.given))
			if tc.close {
				require.NoError(t, err)
				_, err = h.Close()
			}
			require.ErrorIs(t, err, tc.then)
		})
	}
}

func TestHTTPHeaderLimit(t *testing.T) {
	t.Parallel()
	h := framer.NewHTTP(framer.WithMaxHeaderBytes(128))
	_, err := h.Feed([]byte("HTTP/1.1 200 OK\r\n"))
	require.NoError(t, err)
	_, err = h.Feed([]byte("X-Padding: " + strings.Repeat("a", 200)))
	require.ErrorIs(t, err, framer.ErrFraming)
}

func TestTooManyChunks(t *testing.T) {
	t.Parallel()
	h := framer.NewHTTP(framer.WithMaxChunks(3))
	_, err := h.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("1\r\na\r\n", 4)))
	require.ErrorIs(t, err, framer.ErrFraming)
}

// encodeChunked splits body into chunks of the drawn sizes
func encodeChunked(t *rapid.T, body []byte) []byte {
	var buf bytes.Buffer
	rest := body
	for len(rest) > 0 {
		n := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
		if rapid.Bool().Draw(t, "upper") {
			fmt.Fprintf(&buf, "%X\r\n", n)
		} else {
			fmt.Fprintf(&buf, "%x\r\n", n)
		}
		buf.Write(rest[:n])
		buf.WriteString("\r\n")
		rest = rest[n:]
	}
	buf.WriteString("0\r\n\r\n")
	return buf.Bytes()
}

func TestChunkedRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "body")
		wire := append([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"), encodeChunked(t, body)...)

		var streamed []byte
		h := framer.NewHTTP(framer.WithBodyWriter(func(p []byte) {
			streamed = append(streamed, p...)
		}))

		var done bool
		rest := wire
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(t, "read")
			var err error
			done, err = h.Feed(rest[:n])
			require.NoError(t, err)
			rest = rest[n:]
		}
		require.True(t, done)
		require.True(t, bytes.Equal(body, h.Body()), "decoded body differs")
		require.True(t, bytes.Equal(body, streamed), "streamed body differs")
	})
}

func TestChunkedByteByByte(t *testing.T) {
	t.Parallel()
	c := framer.NewChunked(0)
	var got []byte
	var done bool
	for _, b := range []byte("4\r\nWiki\r\n5\r\npedia\r\nE\r\n in\r\n\r\nchunks.\r\n0\r\n\r\n") {
		var err error
		done, err = c.Feed([]byte{b}, func(p []byte) { got = append(got, p...) })
		require.NoError(t, err)
	}
	require.True(t, done)
	require.Equal(t, "Wikipedia in\r\n\r\nchunks.", string(got))
}
