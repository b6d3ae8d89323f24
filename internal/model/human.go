package model

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// URL is a url.URL which can be used directly in configuration structs
type URL struct {
	*url.URL
}

func (u *URL) UnmarshalText(text []byte) error {
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u URL) String() string {
	if u.URL == nil {
		return ""
	}
	return u.URL.String()
}

// AsURL returns the underlying *url.URL
func (u URL) AsURL() *url.URL {
	return u.URL
}

// Clone returns a deep copy, so the clone can be modified
func (u URL) Clone() URL {
	if u.URL == nil {
		return URL{}
	}
	cpy := *u.URL
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			cpy.User = url.UserPassword(u.User.Username(), pw)
		} else {
			cpy.User = url.User(u.User.Username())
		}
	}
	return URL{URL: &cpy}
}

// TCPAddr is a listen address (ip:port or :port) usable in configuration structs
type TCPAddr struct {
	*net.TCPAddr
}

func (a *TCPAddr) UnmarshalText(text []byte) error {
	s := os.ExpandEnv(string(text))
	if s == "" {
		return errors.New("tcp address can't be empty")
	}
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return fmt.Errorf("parsing tcp address %q: %w", s, err)
	}
	a.TCPAddr = addr
	return nil
}

func (a TCPAddr) MarshalText() ([]byte, error) {
	if a.TCPAddr == nil {
		return []byte{}, nil
	}
	return []byte(a.TCPAddr.String()), nil
}

// error codes of CueErrorDetail
const (
	CodeUnknownField      = "unknown_field"
	CodeConflictingValues = "conflicting_values"
	CodeMissingRequired   = "missing_required"
	CodeInvalid           = "invalid"
)

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// CueErrorDetail is one validation problem of a configuration file
type CueErrorDetail struct {
	Path    string
	Code    string
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (d CueErrorDetail) Attr(key string) slog.Attr {
	return slog.Group(key,
		slog.String("path", d.Path),
		slog.String("code", d.Code),
		slog.String("message", d.Message),
		slog.String("file", d.Pos.Filename),
		slog.Int("line", d.Pos.Line),
		slog.Int("column", d.Pos.Column),
	)
}

func humanize(err error, config cue.Value, _ cue.Value) []CueErrorDetail {
	var ret []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		var elems []string
		for _, p := range e.Path() {
			if strings.HasPrefix(p, "#") {
				continue
			}
			elems = append(elems, p)
		}
		path := strings.Join(elems, ".")
		field := path
		if len(elems) > 0 {
			field = elems[len(elems)-1]
		}

		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)

		detail := CueErrorDetail{
			Path: path,
			Raw:  e.Error(),
			Pos:  position(e),
		}
		switch {
		case strings.Contains(msg, "field not allowed"):
			detail.Code = CodeUnknownField
			detail.Message = fmt.Sprintf("Field %s is not allowed", field)
		case strings.Contains(msg, "incomplete value"):
			detail.Code = CodeMissingRequired
			detail.Message = fmt.Sprintf("Field %s is required", field)
		case strings.Contains(msg, "conflicting values"),
			strings.Contains(msg, "empty disjunction"),
			strings.Contains(msg, "invalid value"),
			strings.Contains(msg, "out of bound"):
			detail.Code = CodeConflictingValues
			detail.Message = fmt.Sprintf("Conflicting values for %s: got %s", field, actual(config, elems))
		default:
			detail.Code = CodeInvalid
			detail.Message = msg
		}
		ret = append(ret, detail)
	}
	return ret
}

func actual(config cue.Value, elems []string) string {
	if len(elems) == 0 {
		return "<root>"
	}
	sels := make([]cue.Selector, 0, len(elems))
	for _, e := range elems {
		if idx, err := strconv.Atoi(e); err == nil {
			sels = append(sels, cue.Index(idx))
			continue
		}
		sels = append(sels, cue.Str(e))
	}
	v := config.LookupPath(cue.MakePath(sels...))
	if !v.Exists() {
		return "<missing>"
	}
	return fmt.Sprint(v)
}

func position(e cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() == "config.yaml" {
			return CueErrorPosition{
				Filename: p.Filename(),
				Line:     p.Line(),
				Column:   p.Column(),
			}
		}
	}
	return CueErrorPosition{}
}
