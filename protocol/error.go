// Defines constants representing the kinds of errors the server raises
// while processing SRP updates, and their mapping to DNS response codes.

package protocol

import "github.com/miekg/dns"

type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorNoBufs
	ErrorParse
	ErrorSecurity
	ErrorDuplicated
	ErrorFailed
	ErrorDrop
	ErrorInvalidState
	ErrorInvalidArgs
	ErrorResponseTimeout
	ErrorNotFound
)

var errorStrings = map[ErrorCode]string{
	ErrorNone:            "none",
	ErrorNoBufs:          "no bufs",
	ErrorParse:           "parse error",
	ErrorSecurity:        "security error",
	ErrorDuplicated:      "duplicated",
	ErrorFailed:          "failed",
	ErrorDrop:            "drop",
	ErrorInvalidState:    "invalid state",
	ErrorInvalidArgs:     "invalid args",
	ErrorResponseTimeout: "response timeout",
	ErrorNotFound:        "not found",
}

func (e ErrorCode) String() string {
	if s, ok := errorStrings[e]; ok {
		return s
	}
	return "unknown error"
}

func (e ErrorCode) Error() string {
	return "[srp] " + e.String()
}

// Rcode maps an error to the DNS response code sent back to the client.
func (e ErrorCode) Rcode() int {
	switch e {
	case ErrorNone:
		return dns.RcodeSuccess
	case ErrorNoBufs:
		return dns.RcodeServerFailure
	case ErrorParse:
		return dns.RcodeFormatError
	case ErrorDuplicated:
		return dns.RcodeYXDomain
	default:
		return dns.RcodeRefused
	}
}
