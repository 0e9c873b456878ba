package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/request"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and its registered description
func NewProxyError(code string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: GetErrorDescription(code),
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidForwardConfig = "E1011"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeUpstreamUnreachable = "E2010"

	// Request Processing Errors (E4000-E4999)
	ErrCodeRequestReadFailed   = "E4001"
	ErrCodeResponseWriteFailed = "E4004"
	ErrCodeForwardFailed       = "E4007"
	ErrCodeRelayFailed         = "E4012"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed        = "E6001"
	ErrCodeSOCKS5ConnectFailed       = "E6002"
	ErrCodeShadowsocksCipherFailed   = "E6010"
	ErrCodeShadowsocksConnectFailed  = "E6011"
	ErrCodeShadowsocksHandshakeError = "E6012"

	// Access Control and Security Errors (E7000-E7999)
	ErrCodeBlocklistMatch = "E7002"

	// Internal and System Errors (E9900-E9999)
	ErrCodePanicRecovered = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidForwardConfig: "Invalid forward configuration",

	ErrCodeUpstreamUnreachable: "Upstream server is unreachable",

	ErrCodeRequestReadFailed:   "Failed to read request from client",
	ErrCodeResponseWriteFailed: "Failed to write response to client",
	ErrCodeForwardFailed:       "Failed to forward request to upstream",
	ErrCodeRelayFailed:         "Relay between client and upstream failed",

	ErrCodeSOCKS5DialerFailed:        "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:       "SOCKS5 connection failed",
	ErrCodeShadowsocksCipherFailed:   "Unsupported shadowsocks cipher or password",
	ErrCodeShadowsocksConnectFailed:  "Failed to connect to shadowsocks server",
	ErrCodeShadowsocksHandshakeError: "Failed to send target address to shadowsocks server",

	ErrCodeBlocklistMatch: "Host matches blocklist entry",

	ErrCodePanicRecovered: "Recovered from panic condition",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

func errorCode(err error) (string, bool) {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code, true
	}
	return "", false
}

func codeInRange(err error, lo, hi string) bool {
	code, ok := errorCode(err)
	return ok && code >= lo && code < hi
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return codeInRange(err, "E2000", "E3000")
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	return codeInRange(err, "E6000", "E7000")
}

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool {
	return codeInRange(err, "E7000", "E8000")
}

// ErrorResponse is a synthesized HTTP reply sent instead of upstream data.
type ErrorResponse struct {
	StatusCode int
	StatusText string
}

var (
	BadRequest = ErrorResponse{StatusCode: http.StatusBadRequest, StatusText: "Bad Request"}
	Forbidden  = ErrorResponse{StatusCode: http.StatusForbidden, StatusText: "Forbidden"}
	BadGateway = ErrorResponse{StatusCode: http.StatusBadGateway, StatusText: "Bad Gateway"}
)

// Body returns the HTML body of the response.
func (r ErrorResponse) Body() string {
	return fmt.Sprintf("<html><body><h1>%d %s</h1></body></html>", r.StatusCode, r.StatusText)
}

// Bytes returns the complete response including status line and headers.
func (r ErrorResponse) Bytes() []byte {
	body := r.Body()
	out := make([]byte, 0, len(body)+128)
	out = append(out, "HTTP/1.1 "...)
	out = strconv.AppendInt(out, int64(r.StatusCode), 10)
	out = append(out, ' ')
	out = append(out, r.StatusText...)
	out = append(out, "\r\nContent-Type: text/html\r\nContent-Length: "...)
	out = strconv.AppendInt(out, int64(len(body)), 10)
	out = append(out, "\r\nConnection: close\r\n\r\n"...)
	out = append(out, body...)
	return out
}

func (r ErrorResponse) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// ErrorResponseFor maps a session error to the response the client gets.
// ok is false for errors that end the session silently, such as failures
// in the middle of a relay.
func ErrorResponseFor(err error) (resp ErrorResponse, ok bool) {
	if err == nil {
		return ErrorResponse{}, false
	}

	var parseErr *request.ParseError
	if errors.As(err, &parseErr) {
		return BadRequest, true
	}

	code, isProxyErr := errorCode(err)
	switch {
	case !isProxyErr, IsConnectionError(err), IsProxyChainError(err):
		return BadGateway, true
	case code == ErrCodeRequestReadFailed:
		return BadRequest, true
	case IsAccessControlError(err):
		return Forbidden, true
	case code == ErrCodeForwardFailed:
		return BadGateway, true
	default:
		// relay, panic and write failures may follow bytes already sent
		return ErrorResponse{}, false
	}
}
