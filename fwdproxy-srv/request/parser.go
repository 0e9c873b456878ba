// Package request parses the first request line and header block a client
// sends to the proxy.
package request

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	MaxMethodLen = 15
	MaxHostLen   = 255
	MaxPathLen   = 1023
	MaxTargetLen = 1023

	DefaultPort = 80
	DefaultPath = "/"
)

const absolutePrefix = "http://"

var (
	ErrMalformed = errors.New("malformed request")
	ErrNoHost    = errors.New("no host")
	ErrTooLong   = errors.New("field too long")
)

// ParseError describes why a request was rejected. Kind is one of the
// sentinel errors above so callers can use errors.Is.
type ParseError struct {
	Kind   error
	Field  string
	Detail string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Kind
}

// Request is the parsed leading request of a connection. All fields are
// copies and stay valid after the receive buffer is reused.
type Request struct {
	Method  string
	Host    string
	Port    int
	Path    string
	RawTail []byte // everything after the request line terminator
}

// Address returns host:port as used for dialing and logging.
func (r *Request) Address() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

// Rewrite returns the request in origin form: the request line carries only
// the path and the tail follows unchanged.
func (r *Request) Rewrite() []byte {
	out := make([]byte, 0, len(r.Method)+len(r.Path)+len(r.RawTail)+12)
	out = append(out, r.Method...)
	out = append(out, ' ')
	out = append(out, r.Path...)
	out = append(out, " HTTP/1.1\r\n"...)
	out = append(out, r.RawTail...)
	return out
}

// Parse extracts method, target host, port and path from buf, which holds the
// bytes of the first read from the client.
func Parse(buf []byte) (*Request, error) {
	lineEnd := bytes.IndexByte(buf, '\n')
	if lineEnd < 0 {
		return nil, &ParseError{Kind: ErrMalformed, Detail: "no line terminator"}
	}
	line := string(bytes.TrimSuffix(buf[:lineEnd], []byte{'\r'}))
	tail := buf[lineEnd+1:]

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, &ParseError{Kind: ErrMalformed, Detail: "incomplete request line"}
	}
	method, target := fields[0], fields[1]
	if len(method) > MaxMethodLen {
		return nil, &ParseError{Kind: ErrTooLong, Field: "method", Detail: fmt.Sprintf("%d > %d", len(method), MaxMethodLen)}
	}
	if len(target) > MaxTargetLen {
		return nil, &ParseError{Kind: ErrTooLong, Field: "target", Detail: fmt.Sprintf("%d > %d", len(target), MaxTargetLen)}
	}

	req := &Request{
		Method:  method,
		Port:    DefaultPort,
		Path:    DefaultPath,
		RawTail: bytes.Clone(tail),
	}

	var authority string
	if rest, ok := strings.CutPrefix(target, absolutePrefix); ok {
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			authority, req.Path = rest[:slash], rest[slash:]
		} else {
			authority = rest
		}
	} else {
		req.Path = target
		value, found := hostHeader(tail)
		if !found {
			return nil, &ParseError{Kind: ErrNoHost, Detail: "no Host header"}
		}
		authority = value
	}

	if err := splitAuthority(authority, req); err != nil {
		return nil, err
	}
	if req.Host == "" {
		return nil, &ParseError{Kind: ErrNoHost, Detail: "empty host"}
	}
	if len(req.Path) > MaxPathLen {
		return nil, &ParseError{Kind: ErrTooLong, Field: "path", Detail: fmt.Sprintf("%d > %d", len(req.Path), MaxPathLen)}
	}
	return req, nil
}

// splitAuthority splits at the first colon. IPv6 literals are not handled.
func splitAuthority(authority string, req *Request) error {
	host, portStr, hasPort := strings.Cut(authority, ":")
	if len(host) > MaxHostLen {
		return &ParseError{Kind: ErrTooLong, Field: "host", Detail: fmt.Sprintf("%d > %d", len(host), MaxHostLen)}
	}
	req.Host = host
	if !hasPort {
		return nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || strings.ContainsAny(portStr, "+-") {
		return &ParseError{Kind: ErrMalformed, Field: "port", Detail: fmt.Sprintf("invalid port %q", portStr)}
	}
	req.Port = port
	return nil
}

// hostHeader returns the value of the first Host header in the header block,
// with surrounding whitespace removed.
func hostHeader(headers []byte) (string, bool) {
	for len(headers) > 0 {
		var line []byte
		if i := bytes.IndexByte(headers, '\n'); i >= 0 {
			line, headers = headers[:i], headers[i+1:]
		} else {
			line, headers = headers, nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			break
		}

		name, value, ok := bytes.Cut(line, []byte{':'})
		if !ok || !strings.EqualFold(string(name), "Host") {
			continue
		}
		return strings.TrimSpace(string(value)), true
	}
	return "", false
}
