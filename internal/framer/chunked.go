package framer

import "fmt"

const (
	maxChunkSizeDigits = 16
	// DefaultMaxChunks bounds the number of chunks of one body
	DefaultMaxChunks = 1 << 16
)

type chunkState uint8

const (
	chunkSize    chunkState = iota // awaiting chunk size
	chunkSizeEOL                   // skipping extensions and the size-line terminator
	chunkData                      // copying chunk data
	chunkDataEOL                   // skipping CRLF after the chunk data
	chunkNext                      // chunk complete, next chunk
	chunkEnd                       // all chunks consumed
)

func (s chunkState) String() string {
	switch s {
	case chunkSize:
		return "size"
	case chunkSizeEOL:
		return "size-eol"
	case chunkData:
		return "data"
	case chunkDataEOL:
		return "data-eol"
	case chunkNext:
		return "next"
	case chunkEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Chunked decodes Transfer-Encoding: chunked. Only the payload reaches the
// emit callback, decoding is complete once the last (zero sized) chunk line
// is read. Trailer fields are ignored.
type Chunked struct {
	state     chunkState
	size      uint64
	digits    int
	remaining uint64
	cr        bool
	chunks    int
	maxChunks int
}

func NewChunked(maxChunks int) *Chunked {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Chunked{maxChunks: maxChunks}
}

// Done reports whether the terminating chunk was seen
func (c *Chunked) Done() bool {
	return c.state == chunkEnd
}

// Feed decodes p and passes the payload to emit. Slices passed to emit
// alias p.
func (c *Chunked) Feed(p []byte, emit func([]byte)) (done bool, err error) {
	i := 0
	for i < len(p) || c.state == chunkNext {
		switch c.state {
		case chunkSize:
			b := p[i]
			i++
			switch {
			case isHex(b):
				c.digits++
				if c.digits > maxChunkSizeDigits {
					return false, fmt.Errorf("%w: chunk size too long", ErrFraming)
				}
				c.size = c.size<<4 | uint64(unhex(b))
			case b == ';' || b == ' ' || b == '\t' || b == '\r':
				if c.digits == 0 {
					return false, fmt.Errorf("%w: missing chunk size", ErrFraming)
				}
				c.state = chunkSizeEOL
			case b == '\n':
				if err := c.sizeLine(); err != nil {
					return false, err
				}
			default:
				return false, fmt.Errorf("%w: invalid chunk size byte %q", ErrFraming, b)
			}

		case chunkSizeEOL:
			b := p[i]
			i++
			if b == '\n' {
				if err := c.sizeLine(); err != nil {
					return false, err
				}
			}

		case chunkData:
			n := uint64(len(p) - i)
			if n > c.remaining {
				n = c.remaining
			}
			if n > 0 && emit != nil {
				emit(p[i : i+int(n)])
			}
			i += int(n)
			c.remaining -= n
			if c.remaining == 0 {
				c.state = chunkDataEOL
			}

		case chunkDataEOL:
			b := p[i]
			i++
			switch {
			case b == '\r' && !c.cr:
				c.cr = true
			case b == '\n':
				c.cr = false
				c.state = chunkNext
			default:
				return false, fmt.Errorf("%w: missing chunk terminator", ErrFraming)
			}

		case chunkNext:
			c.chunks++
			if c.chunks > c.maxChunks {
				return false, fmt.Errorf("%w: more than %d chunks", ErrFraming, c.maxChunks)
			}
			c.size = 0
			c.digits = 0
			c.state = chunkSize

		case chunkEnd:
			return true, nil
		}
	}
	return c.state == chunkEnd, nil
}

func (c *Chunked) sizeLine() error {
	if c.digits == 0 {
		return fmt.Errorf("%w: missing chunk size", ErrFraming)
	}
	if c.size == 0 {
		c.state = chunkEnd
		return nil
	}
	c.remaining = c.size
	c.state = chunkData
	return nil
}

func isHex(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

func unhex(b byte) byte {
	switch {
	case '0' <= b && b <= '9':
		return b - '0'
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10
	default:
		return b - 'A' + 10
	}
}
