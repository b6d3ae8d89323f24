package probe

import (
	"bytes"
	"maps"
	"slices"
	"strings"
)

// Protocol is a hint selecting the default request and the framing of
// the response.
type Protocol struct {
	Name     string
	Port     int
	TLS      bool
	Template string
	// Telnet services negotiate options before the banner
	Telnet bool
	// HTTP responses are framed by headers, the body is matched
	HTTP bool
	// Quiet services neither greet nor need a request, the probe is done
	// once connected (and the TLS session established)
	Quiet bool
}

const httpTemplate = "GET {path} HTTP/1.1\r\nHost: {host}\r\nUser-Agent: probe-lens\r\nAccept: */*\r\nConnection: close\r\n\r\n"

var protocols = map[string]Protocol{
	"tcp":        {Name: "tcp"},
	"ftp":        {Name: "ftp", Port: 21, Template: "quit\r\n"},
	"ssh":        {Name: "ssh", Port: 22},
	"telnet":     {Name: "telnet", Port: 23, Telnet: true},
	"smtp":       {Name: "smtp", Port: 25, Template: "quit\r\n"},
	"smtps":      {Name: "smtps", Port: 465, TLS: true, Template: "quit\r\n"},
	"submission": {Name: "submission", Port: 587, Template: "quit\r\n"},
	"pop3":       {Name: "pop3", Port: 110, Template: "quit\r\n"},
	"pop3s":      {Name: "pop3s", Port: 995, TLS: true, Template: "quit\r\n"},
	"imap":       {Name: "imap", Port: 143, Template: "ABC123 LOGOUT\r\n"},
	"imaps":      {Name: "imaps", Port: 993, TLS: true, Template: "ABC123 LOGOUT\r\n"},
	"nntp":       {Name: "nntp", Port: 119, Template: "quit\r\n"},
	"http":       {Name: "http", Port: 80, HTTP: true, Template: httpTemplate},
	"https":      {Name: "https", Port: 443, TLS: true, HTTP: true, Template: httpTemplate},
	"ldap":       {Name: "ldap", Port: 389, Quiet: true},
	"ldaps":      {Name: "ldaps", Port: 636, TLS: true, Quiet: true},
	"rsync":      {Name: "rsync", Port: 873},
}

// LookupProtocol returns the catalogue entry, empty name means tcp
func LookupProtocol(name string) (Protocol, bool) {
	if name == "" {
		name = "tcp"
	}
	p, ok := protocols[strings.ToLower(name)]
	return p, ok
}

// Protocols returns sorted names of all known protocols
func Protocols() []string {
	return slices.Sorted(maps.Keys(protocols))
}

// expandTemplate substitutes {host} and {path}
func expandTemplate(tmpl, host, path string) []byte {
	if path == "" {
		path = "/"
	}
	r := strings.NewReplacer("{host}", host, "{path}", path)
	return []byte(r.Replace(tmpl))
}

func isHeadRequest(req []byte) bool {
	return bytes.HasPrefix(req, []byte("HEAD "))
}
