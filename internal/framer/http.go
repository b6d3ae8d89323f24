package framer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// DefaultMaxHeaderBytes bounds the size of a response header block
const DefaultMaxHeaderBytes = 64 << 10

type bodyMode uint8

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

// HTTPOption configures the HTTP framer
type HTTPOption func(*HTTP)

// WithHeadRequest marks the response as an answer to HEAD, so no body follows
func WithHeadRequest() HTTPOption {
	return func(h *HTTP) {
		h.head = true
	}
}

// WithBodyWriter receives every payload byte as it is decoded
func WithBodyWriter(fn func([]byte)) HTTPOption {
	return func(h *HTTP) {
		h.onBody = fn
	}
}

func WithMaxHeaderBytes(n int) HTTPOption {
	return func(h *HTTP) {
		h.maxHeader = n
	}
}

func WithMaxChunks(n int) HTTPOption {
	return func(h *HTTP) {
		h.maxChunks = n
	}
}

// HTTP frames a single HTTP/1.x response. Interim 1xx responses are
// discarded, the body is delimited by chunked encoding, Content-Length or
// the connection close.
type HTTP struct {
	head      bool
	maxHeader int
	maxChunks int
	onBody    func([]byte)

	hdr        []byte
	headerDone bool
	status     int
	header     textproto.MIMEHeader
	mode       bodyMode
	remaining  int64
	chunked    *Chunked
	body       []byte
	done       bool
}

func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		maxHeader: DefaultMaxHeaderBytes,
		maxChunks: DefaultMaxChunks,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Status returns the status code of the final response, 0 until parsed
func (h *HTTP) Status() int {
	return h.status
}

func (h *HTTP) Header() textproto.MIMEHeader {
	return h.header
}

func (h *HTTP) ContentType() string {
	if h.header == nil {
		return ""
	}
	return h.header.Get("Content-Type")
}

// Body returns the decoded payload received so far
func (h *HTTP) Body() []byte {
	return h.body
}

func (h *HTTP) Done() bool {
	return h.done
}

// Feed processes next received bytes and returns true once the response
// is complete.
func (h *HTTP) Feed(p []byte) (bool, error) {
	if h.done {
		return true, nil
	}
	if h.headerDone {
		return h.feedBody(p)
	}

	h.hdr = append(h.hdr, p...)
	for {
		idx, delim := headerEnd(h.hdr)
		if idx < 0 {
			if len(h.hdr) > h.maxHeader {
				return false, fmt.Errorf("%w: response header exceeds %d bytes", ErrFraming, h.maxHeader)
			}
			return false, nil
		}
		if idx > h.maxHeader {
			return false, fmt.Errorf("%w: response header exceeds %d bytes", ErrFraming, h.maxHeader)
		}

		status, header, err := parseHeader(h.hdr[:idx])
		if err != nil {
			return false, err
		}
		rest := h.hdr[idx+delim:]

		if status >= 100 && status < 200 && status != 101 {
			// interim response, the final one follows
			h.hdr = append([]byte(nil), rest...)
			continue
		}

		h.status = status
		h.header = header
		h.headerDone = true
		h.hdr = nil
		if err := h.chooseBody(); err != nil {
			return false, err
		}
		if h.mode == bodyNone {
			h.done = true
			return true, nil
		}
		return h.feedBody(rest)
	}
}

// Close handles the peer closing the connection
func (h *HTTP) Close() (bool, error) {
	if h.done {
		return true, nil
	}
	if !h.headerDone {
		if len(h.hdr) == 0 {
			return false, ErrNoResponse
		}
		return false, fmt.Errorf("%w: connection closed inside response header", ErrFraming)
	}
	switch h.mode {
	case bodyUntilClose:
		h.done = true
		return true, nil
	case bodyLength:
		return false, fmt.Errorf("%w: connection closed %d bytes before the end of the body", ErrFraming, h.remaining)
	default:
		return false, fmt.Errorf("%w: connection closed inside chunked body", ErrFraming)
	}
}

func (h *HTTP) chooseBody() error {
	if h.head || h.status == 204 || h.status == 304 || h.status == 101 {
		h.mode = bodyNone
		return nil
	}

	if te := h.header.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(te[len(te)-1], ",")
		last := strings.ToLower(strings.TrimSpace(codings[len(codings)-1]))
		if last == "chunked" {
			h.mode = bodyChunked
			h.chunked = NewChunked(h.maxChunks)
			return nil
		}
		h.mode = bodyUntilClose
		return nil
	}

	if cl := h.header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: invalid Content-Length %q", ErrFraming, cl)
		}
		if n == 0 {
			h.mode = bodyNone
			return nil
		}
		h.mode = bodyLength
		h.remaining = n
		return nil
	}

	h.mode = bodyUntilClose
	return nil
}

func (h *HTTP) feedBody(p []byte) (bool, error) {
	switch h.mode {
	case bodyLength:
		n := int64(len(p))
		if n > h.remaining {
			n = h.remaining
		}
		h.emit(p[:n])
		h.remaining -= n
		if h.remaining == 0 {
			h.done = true
		}
	case bodyChunked:
		done, err := h.chunked.Feed(p, h.emit)
		if err != nil {
			return false, err
		}
		h.done = done
	case bodyUntilClose:
		h.emit(p)
	}
	return h.done, nil
}

func (h *HTTP) emit(p []byte) {
	if len(p) == 0 {
		return
	}
	h.body = append(h.body, p...)
	if h.onBody != nil {
		h.onBody(p)
	}
}

// headerEnd finds the earliest header terminator, CRLFCRLF or a bare LFLF
func headerEnd(b []byte) (int, int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

func parseHeader(block []byte) (int, textproto.MIMEHeader, error) {
	buf := make([]byte, 0, len(block)+4)
	buf = append(buf, block...)
	buf = append(buf, "\r\n\r\n"...)
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf)))

	line, err := r.ReadLine()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: reading status line: %w", ErrFraming, err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, nil, fmt.Errorf("%w: malformed status line %q", ErrFraming, line)
	}
	code, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return 0, nil, fmt.Errorf("%w: malformed status code %q", ErrFraming, code)
	}

	header, err := r.ReadMIMEHeader()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrFraming, err)
	}
	return status, header, nil
}
