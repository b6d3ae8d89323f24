// Package match evaluates retrieved content against a probe expectation.
package match

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"mime"
	"os"
	"regexp"
	"strings"

	"github.com/CZERTAINLY/probe-lens/internal/model"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrMalformed        = errors.New("malformed expectation")
	ErrUnknownAlgorithm = errors.New("unknown digest algorithm")
)

// Matcher evaluates one expectation. The body is passed either at once to
// Evaluate or, for digests, streamed chunk by chunk through Write.
type Matcher struct {
	kind        model.ExpectKind
	re          *regexp.Regexp
	hash        hash.Hash
	want        []byte
	contentType string
	streamed    bool
	err         error
}

// New compiles the expectation. The returned Matcher is usable even when the
// error is not nil: it evaluates to MatchUnevaluable then.
func New(exp *model.Expectation) (*Matcher, error) {
	m := &Matcher{}
	if exp == nil {
		m.err = fmt.Errorf("%w: nil expectation", ErrMalformed)
		return m, m.err
	}
	m.kind = exp.Kind
	switch exp.Kind {
	case model.ExpectRegexMatch, model.ExpectRegexNoMatch:
		re, err := regexp.Compile(exp.Pattern)
		if err != nil {
			m.err = fmt.Errorf("%w: %w", ErrMalformed, err)
			break
		}
		m.re = re
	case model.ExpectDigest:
		m.err = m.initDigest(exp.Digest, exp.DigestFile)
	case model.ExpectContentType:
		mt, err := mediaType(exp.ContentType)
		if err != nil {
			m.err = fmt.Errorf("%w: content type %q: %w", ErrMalformed, exp.ContentType, err)
			break
		}
		m.contentType = mt
	default:
		m.err = fmt.Errorf("%w: exactly one of regex, not_regex, digest or content_type must be set", ErrMalformed)
	}
	return m, m.err
}

func (m *Matcher) initDigest(digest, file string) error {
	if digest == "" {
		if file == "" {
			return fmt.Errorf("%w: empty digest", ErrMalformed)
		}
		b, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading digest file: %w", err)
		}
		// sha256sum compatible, the first field is the digest
		fields := strings.Fields(string(b))
		if len(fields) == 0 {
			return fmt.Errorf("%w: digest file %s is empty", ErrMalformed, file)
		}
		digest = fields[0]
	}

	algo, hexsum, ok := strings.Cut(digest, ":")
	if !ok {
		hexsum = digest
		algo = algoByLength(len(hexsum))
	}
	want, err := hex.DecodeString(hexsum)
	if err != nil {
		return fmt.Errorf("%w: digest %q: %w", ErrMalformed, digest, err)
	}
	h, err := NewHash(algo)
	if err != nil {
		return err
	}
	if len(want) != h.Size() {
		return fmt.Errorf("%w: %s digest must have %d bytes, got %d", ErrMalformed, algo, h.Size(), len(want))
	}
	m.hash = h
	m.want = want
	return nil
}

// NewHash returns hash for a name used in digest expectations
func NewHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "blake2b-256":
		return blake2b.New256(nil)
	case "blake2b-512":
		return blake2b.New512(nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algo)
	}
}

func algoByLength(n int) string {
	switch n {
	case 2 * md5.Size:
		return "md5"
	case 2 * sha1.Size:
		return "sha1"
	case 2 * sha512.Size:
		return "sha512"
	default:
		return "sha256"
	}
}

// Err returns the reason the expectation can't be evaluated
func (m *Matcher) Err() error {
	return m.err
}

// Streaming reports whether the matcher consumes the body via Write
func (m *Matcher) Streaming() bool {
	return m.hash != nil
}

// Write feeds the digest with the next body chunk, other kinds ignore it.
func (m *Matcher) Write(p []byte) (int, error) {
	if m.hash != nil {
		m.streamed = true
		m.hash.Write(p)
	}
	return len(p), nil
}

// Evaluate returns the outcome for the full body and the declared content
// type. Digest matchers which already consumed the body through Write
// ignore the body argument.
func (m *Matcher) Evaluate(body []byte, contentType string) model.MatchOutcome {
	if m.err != nil {
		return model.MatchUnevaluable
	}
	switch m.kind {
	case model.ExpectRegexMatch:
		return outcome(m.re.Match(body))
	case model.ExpectRegexNoMatch:
		return outcome(!m.re.Match(body))
	case model.ExpectDigest:
		if !m.streamed {
			m.hash.Write(body)
		}
		return outcome(bytes.Equal(m.hash.Sum(nil), m.want))
	case model.ExpectContentType:
		if contentType == "" {
			return model.MatchMismatch
		}
		got, err := mediaType(contentType)
		if err != nil {
			return model.MatchMismatch
		}
		return outcome(got == m.contentType)
	default:
		return model.MatchUnevaluable
	}
}

func outcome(ok bool) model.MatchOutcome {
	if ok {
		return model.MatchOK
	}
	return model.MatchMismatch
}

// mediaType returns lower cased type/subtype without parameters
func mediaType(s string) (string, error) {
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return "", err
	}
	return mt, nil
}
