package proxy

import (
	"io"
	"strconv"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/request"
)

const (
	FaviconPath    = "/favicon.ico"
	StatusPageBody = "<html><body><h1>67 proxy server</h1></body></html>"
)

const faviconResponse = "HTTP/1.1 204 No Content\r\nConnection: close\r\n\r\n"

var statusPageResponse = []byte("HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/html\r\n" +
	"Content-Length: " + strconv.Itoa(len(StatusPageBody)) + "\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	StatusPageBody)

// MatchesLocal reports whether req is addressed to the proxy itself.
// Host aliases are not normalized.
func MatchesLocal(req *request.Request, selfHost string, selfPort int) bool {
	return req.Host == selfHost && req.Port == selfPort
}

// WriteLocalResponse answers a request addressed to the proxy itself.
func WriteLocalResponse(w io.Writer, path string) error {
	var err error
	if path == FaviconPath {
		_, err = io.WriteString(w, faviconResponse)
	} else {
		_, err = w.Write(statusPageResponse)
	}
	if err != nil {
		return NewProxyError(ErrCodeResponseWriteFailed, err)
	}
	return nil
}
