// Package handshake implements the text phase of connection setup, the
// "teapot" exchange. The initiator sends an HTTP-like CONNECT request
// offering features; the responder answers 418 with a connection token,
// the agreed features and the transport settings, or with any other
// status and a plain text body explaining the rejection.
package handshake

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"celestenet/netcore/pkg/config"
)

// Version is the teapot protocol version spoken by this package.
const Version = 1

// StatusTeapot is the only status that accepts a connection.
const StatusTeapot = http.StatusTeapot

const (
	headerVersion  = "CelesteNet-TeapotVersion"
	headerFeatures = "CelesteNet-ConnectionFeatures"
	headerName     = "CelesteNet-PlayerNameKey"
	headerToken    = "CelesteNet-ConnectionToken"

	requestLine = "CONNECT /teapot HTTP/1.1"

	// maxRejectBody bounds the error text read from a rejection.
	maxRejectBody = 4096
)

// ErrHandshake is wrapped by every error that aborts the teapot exchange.
var ErrHandshake = errors.New("teapot handshake failed")

// RejectedError is returned by Negotiate when the responder answered
// with a status other than 418.
type RejectedError struct {
	Status  int
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("connection rejected: %d %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("connection rejected: %d %s: %s", e.Status, e.Reason, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrHandshake
}

// Result is what a successful Negotiate yields. Reader must be used for
// all further reads from the connection since it may already hold bytes
// sent after the handshake.
type Result struct {
	Token    uint32
	Features []string
	Settings config.Settings
	Reader   *bufio.Reader
}

// Negotiate runs the initiator side of the teapot exchange on conn.
func Negotiate(ctx context.Context, conn net.Conn, features []string, name string) (*Result, error) {
	if strings.ContainsAny(name, "\r\n") {
		return nil, fmt.Errorf("%w: name contains line breaks", ErrHandshake)
	}

	stop := bindContext(ctx, conn)
	defer stop()

	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "%s\r\n", requestLine)
	fmt.Fprintf(w, "%s: %d\r\n", headerVersion, Version)
	fmt.Fprintf(w, "%s: %s\r\n", headerFeatures, strings.Join(features, ","))
	fmt.Fprintf(w, "%s: %s\r\n", headerName, name)
	fmt.Fprintf(w, "\r\n")
	if err := w.Flush(); err != nil {
		return nil, wrapIO(ctx, "writing request", err)
	}

	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, wrapIO(ctx, "reading status line", err)
	}
	status, reason, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, wrapIO(ctx, "reading response headers", err)
	}

	if status != StatusTeapot {
		return nil, &RejectedError{
			Status:  status,
			Reason:  reason,
			Message: readBody(br, header),
		}
	}

	token, err := strconv.ParseUint(strings.TrimSpace(header.Get(headerToken)), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: connection token %q: %v", ErrHandshake, header.Get(headerToken), err)
	}

	settings := config.DefaultSettings()
	if err := settings.ParseHeaders(header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if errs := settings.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: unusable settings: %v", ErrHandshake, errors.Join(errs...))
	}

	return &Result{
		Token:    uint32(token),
		Features: Intersect(features, SplitFeatures(header.Get(headerFeatures))),
		Settings: settings,
		Reader:   br,
	}, nil
}

// parseStatusLine accepts both "HTTP/1.1 418 I'm a teapot" and "418 I'm a teapot".
func parseStatusLine(line string) (int, string, error) {
	rest := line
	if strings.HasPrefix(rest, "HTTP/") {
		_, after, ok := strings.Cut(rest, " ")
		if !ok {
			return 0, "", fmt.Errorf("%w: malformed status line %q", ErrHandshake, line)
		}
		rest = after
	}

	codeStr, reason, _ := strings.Cut(strings.TrimSpace(rest), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return 0, "", fmt.Errorf("%w: malformed status line %q", ErrHandshake, line)
	}

	return code, strings.TrimSpace(reason), nil
}

func readBody(r io.Reader, header textproto.MIMEHeader) string {
	limit := int64(maxRejectBody)
	if cl, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && cl >= 0 && cl < limit {
		limit = cl
	}

	body, _ := io.ReadAll(io.LimitReader(r, limit))
	return strings.TrimSpace(string(body))
}

// Request is the initiator's offer as seen by the responder.
type Request struct {
	Version  int
	Features []string
	Name     string
	Reader   *bufio.Reader
}

// ReadRequest reads the initiator's teapot request from conn.
func ReadRequest(ctx context.Context, conn net.Conn) (*Request, error) {
	stop := bindContext(ctx, conn)
	defer stop()

	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, wrapIO(ctx, "reading request line", err)
	}
	if strings.TrimSpace(line) != requestLine {
		return nil, fmt.Errorf("%w: unexpected request line %q", ErrHandshake, line)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, wrapIO(ctx, "reading request headers", err)
	}

	version, err := strconv.Atoi(strings.TrimSpace(header.Get(headerVersion)))
	if err != nil {
		return nil, fmt.Errorf("%w: teapot version %q: %v", ErrHandshake, header.Get(headerVersion), err)
	}

	return &Request{
		Version:  version,
		Features: SplitFeatures(header.Get(headerFeatures)),
		Name:     strings.TrimSpace(header.Get(headerName)),
		Reader:   br,
	}, nil
}

// Accept answers a request with 418, the connection token, the agreed
// features and one header per settings field.
func Accept(conn net.Conn, token uint32, features []string, settings *config.Settings) error {
	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", StatusTeapot, http.StatusText(StatusTeapot))
	fmt.Fprintf(w, "%s: %08X\r\n", headerToken, token)
	fmt.Fprintf(w, "%s: %s\r\n", headerFeatures, strings.Join(features, ","))
	for _, h := range settings.Headers() {
		fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value)
	}
	fmt.Fprintf(w, "\r\n")

	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing teapot response: %w", err)
	}
	return nil
}

// Reject answers a request with status and a plain text message.
func Reject(conn net.Conn, status int, message string) error {
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Error"
	}

	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, reason)
	fmt.Fprintf(w, "Content-Type: text/plain\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n", len(message))
	fmt.Fprintf(w, "\r\n")
	w.WriteString(message)

	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing rejection %d: %w", status, err)
	}
	return nil
}

// SplitFeatures parses a comma-joined feature list, dropping empty entries.
func SplitFeatures(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Intersect returns the entries of offered also present in supported,
// in the order of offered.
func Intersect(offered, supported []string) []string {
	set := make(map[string]struct{}, len(supported))
	for _, s := range supported {
		set[s] = struct{}{}
	}

	var out []string
	for _, f := range offered {
		if _, ok := set[f]; ok {
			out = append(out, f)
			delete(set, f)
		}
	}
	return out
}

// bindContext applies the deadline of ctx to conn and interrupts pending
// I/O when ctx is canceled. The returned func undoes both.
func bindContext(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	stopAfter := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	return func() {
		stopAfter()
		conn.SetDeadline(time.Time{})
	}
}

func wrapIO(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrHandshake, what, ctxErr)
	}
	// The conn deadline may fire just before the context notices.
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrHandshake, what, context.DeadlineExceeded)
	}
	return fmt.Errorf("%w: %s: %w", ErrHandshake, what, err)
}
