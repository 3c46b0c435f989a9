package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"reflect"
	"strings"
	"syscall"
	"unicode"
)

// typeLabels names the failures users see most often. Keys omit the pointer star.
var typeLabels = map[string]string{
	"sse.StatusError":               "HTTP status error",
	"target.StatusError":            "HTTP status error",
	"url.Error":                     "Request URL error",
	"net.OpError":                   "Network error",
	"net.DNSError":                  "DNS error",
	"context.deadlineExceededError": "Context deadline exceeded",
}

// transportCodes is checked in order; the first match wins.
var transportCodes = []struct {
	target error
	code   string
}{
	{context.Canceled, "ERR_CANCELED"},
	{context.DeadlineExceeded, "ETIMEDOUT"},
	{syscall.ECONNREFUSED, "ECONNREFUSED"},
	{syscall.ECONNRESET, "ECONNRESET"},
	{syscall.ECONNABORTED, "ECONNABORTED"},
	{syscall.EPIPE, "EPIPE"},
	{syscall.ETIMEDOUT, "ETIMEDOUT"},
	{syscall.EHOSTUNREACH, "EHOSTUNREACH"},
	{syscall.ENETUNREACH, "ENETUNREACH"},
}

// ErrorTypeName labels err for an SSE error record. fmt and *url.Error
// wrappers are peeled off so the record names the underlying failure.
func ErrorTypeName(err error) string {
	if err == nil {
		return "unknown"
	}
	for transparent(err) {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	return FriendlyErrorName(fmt.Sprintf("%T", err))
}

func transparent(err error) bool {
	if _, ok := err.(*url.Error); ok {
		return true
	}
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath() == "fmt"
}

// ClassifyTransportError maps a write that got no HTTP response to an
// errno-style code. A peer hanging up mid-response reads as ECONNRESET.
func ClassifyTransportError(err error) string {
	if err == nil {
		return UnknownCode
	}
	for _, tc := range transportCodes {
		if errors.Is(err, tc.target) {
			return tc.code
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "ENOTFOUND"
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "ECONNRESET"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	return UnknownCode
}

// FriendlyErrorName turns a %T string such as "*net.OpError" into a label.
// Unknown types become "Split Words (pkg)".
func FriendlyErrorName(typeName string) string {
	qualified := strings.TrimPrefix(strings.TrimSpace(typeName), "*")
	if qualified == "" {
		return "Unknown error"
	}
	if i := strings.LastIndex(qualified, "/"); i >= 0 {
		qualified = qualified[i+1:]
	}
	if label, ok := typeLabels[qualified]; ok {
		return label
	}

	pkg, name, found := strings.Cut(qualified, ".")
	if !found {
		pkg, name = "", qualified
	}
	words := splitIdentifier(name)
	if len(words) == 0 {
		return name
	}
	label := strings.Join(words, " ")
	if pkg == "" || pkg == "main" {
		return label
	}
	return fmt.Sprintf("%s (%s)", label, pkg)
}

// splitIdentifier breaks a Go identifier at case and digit boundaries and
// title-cases each word. Acronyms stay upper case: "HTTPTimeout" yields
// ["HTTP", "Timeout"].
func splitIdentifier(ident string) []string {
	runes := []rune(ident)
	var words []string
	start := 0
	for i := 1; i <= len(runes); i++ {
		if i < len(runes) && !wordBoundary(runes, i) {
			continue
		}
		if word := string(runes[start:i]); word != "" {
			words = append(words, titleWord(word))
		}
		start = i
	}
	return words
}

func wordBoundary(r []rune, i int) bool {
	prev, cur := r[i-1], r[i]
	switch {
	case unicode.IsDigit(cur):
		return !unicode.IsDigit(prev)
	case !unicode.IsUpper(cur):
		return false
	case unicode.IsLower(prev) || unicode.IsDigit(prev):
		return true
	default:
		return unicode.IsUpper(prev) && i+1 < len(r) && unicode.IsLower(r[i+1])
	}
}

func titleWord(w string) string {
	if strings.ToUpper(w) == w {
		return w
	}
	runes := []rune(strings.ToLower(w))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
