package proxy

import (
	"errors"
	"fmt"
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

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newError creates an Error using the registered description for code.
func newError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeInvalidServerConfig  = "E1002"
	ErrCodeMintNotConfigured    = "E1003"
	ErrCodeClassifierCompile    = "E1004"
	ErrCodeUnknownForwardType   = "E1005"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeDialFailed        = "E2001"
	ErrCodeInvalidAddress    = "E2002"
	ErrCodeConnectionClosed  = "E2003"
	ErrCodeTunnelFailed      = "E2004"
	ErrCodeMissingTargetHost = "E2005"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed = "E3001"
	ErrCodeTLSUpstreamFailed  = "E3002"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseReadFailed  = "E4002"
	ErrCodeHTTPRequestWriteFailed  = "E4003"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPContinueFailed      = "E4005"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed    = "E6001"
	ErrCodeSOCKS5ConnectFailed   = "E6002"
	ErrCodeHTTPProxyDialFailed   = "E6003"
	ErrCodeCONNECTRequestFailed  = "E6004"
	ErrCodeCONNECTResponseFailed = "E6005"
	ErrCodeProxyDenied           = "E6006"
	ErrCodeForwardRuleError      = "E6007"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError  = "E9901"
	ErrCodePanicRecovered = "E9902"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeMintNotConfigured:    "Tunnel inspection requires a certificate authority",
	ErrCodeClassifierCompile:    "Failed to compile classifier",
	ErrCodeUnknownForwardType:   "Unknown or unsupported forward type",

	ErrCodeDialFailed:        "Failed to dial target address",
	ErrCodeInvalidAddress:    "Invalid network address format",
	ErrCodeConnectionClosed:  "Connection closed unexpectedly",
	ErrCodeTunnelFailed:      "Tunnel relay failed",
	ErrCodeMissingTargetHost: "Request does not name a target host",

	ErrCodeTLSHandshakeFailed: "TLS handshake with client failed",
	ErrCodeTLSUpstreamFailed:  "TLS handshake with upstream server failed",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseReadFailed:  "Failed to read HTTP response",
	ErrCodeHTTPRequestWriteFailed:  "Failed to write HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPContinueFailed:      "Failed to write interim 100 Continue response",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",
	ErrCodeForwardRuleError:      "Error in forwarding rule evaluation",

	ErrCodeInternalError:  "Internal proxy error",
	ErrCodePanicRecovered: "Recovered from panic condition",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

func codeOf(err error) (string, bool) {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code, true
	}
	return "", false
}

func inRange(err error, lo, hi string) bool {
	code, ok := codeOf(err)
	return ok && code >= lo && code < hi
}

// IsConfigurationError checks if the error is configuration-related
func IsConfigurationError(err error) bool {
	return inRange(err, "E1000", "E2000")
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return inRange(err, "E2000", "E3000")
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	return inRange(err, "E3000", "E4000")
}

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool {
	return inRange(err, "E4000", "E5000")
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	return inRange(err, "E6000", "E7000")
}

// IsInternalError checks if the error is internal/system-related
func IsInternalError(err error) bool {
	code, ok := codeOf(err)
	return ok && code >= "E9900"
}
