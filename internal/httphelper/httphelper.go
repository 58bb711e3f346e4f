// Package httphelper implements the minimal HTTP/1.x server side needed to deliver
// the relayed stream as a response body: request parsing, response headers and chunk framing.
package httphelper

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

const (
	// DefaultContentType is the content type of streamed responses.
	DefaultContentType = "video/mpegts"

	// MaxHeaderBytes is the maximum size of a request header block.
	MaxHeaderBytes = 8 * 1024
)

var (
	ErrHeaderTooLarge = errors.New("request header block too large")
	ErrIncomplete     = errors.New("request header block incomplete")
)

var (
	// ChunkTrailer terminates the data of a chunk.
	ChunkTrailer = []byte("\r\n")

	// LastChunk terminates a chunked body.
	LastChunk = []byte("0\r\n\r\n")

	headerEnd = []byte("\r\n\r\n")
)

// ValidContentType reports whether s can be used as a Content-Type header value.
func ValidContentType(s string) bool {
	return s != "" && httpguts.ValidHeaderFieldValue(s)
}

// Handshake accumulates the bytes of a request until the header block is complete.
//
// Handshake is not safe for concurrent use.
type Handshake struct {
	buf []byte
}

// Feed appends b to the handshake buffer and reports whether the header block is complete.
// It returns [ErrHeaderTooLarge] once the header block, complete or not, exceeds [MaxHeaderBytes].
func (h *Handshake) Feed(b []byte) (done bool, err error) {
	// Only rescan the tail that could contain a new terminator.
	start := max(len(h.buf)-len(headerEnd)+1, 0)
	h.buf = append(h.buf, b...)
	if i := bytes.Index(h.buf[start:], headerEnd); i >= 0 {
		if start+i+len(headerEnd) > MaxHeaderBytes {
			return false, ErrHeaderTooLarge
		}
		return true, nil
	}
	if len(h.buf) > MaxHeaderBytes {
		return false, ErrHeaderTooLarge
	}
	return false, nil
}

// Len returns the number of buffered bytes.
func (h *Handshake) Len() int {
	return len(h.buf)
}

// Request parses the buffered header block.
func (h *Handshake) Request() (*http.Request, error) {
	end := bytes.Index(h.buf, headerEnd)
	if end < 0 {
		return nil, ErrIncomplete
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(h.buf[:end+len(headerEnd)])))
	if err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	return req, nil
}

// Action is what to do with a parsed request.
type Action uint8

const (
	// ActionStream subscribes the connection to the stream.
	ActionStream Action = iota

	// ActionHeadersOnly sends the stream response headers and closes.
	ActionHeadersOnly

	// ActionReject sends an error response and closes.
	ActionReject
)

// Route decides how to answer req for a stream served at path.
// For [ActionReject], status is the HTTP status code to respond with.
func Route(req *http.Request, path string) (action Action, status int) {
	if req.URL.Path != path {
		return ActionReject, http.StatusNotFound
	}
	switch req.Method {
	case http.MethodGet:
		return ActionStream, http.StatusOK
	case http.MethodHead:
		return ActionHeadersOnly, http.StatusOK
	default:
		return ActionReject, http.StatusMethodNotAllowed
	}
}

// Chunked reports whether the response to req can use chunked transfer encoding.
func Chunked(req *http.Request) bool {
	return req.ProtoAtLeast(1, 1)
}

// StreamHeader returns the status line and headers of a stream response.
func StreamHeader(contentType string, chunked bool) []byte {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "close")
	if chunked {
		h.Set("Transfer-Encoding", "chunked")
	}
	return appendResponse(nil, http.StatusOK, h, nil)
}

// ErrorResponse returns a complete plain text response with the given status.
func ErrorResponse(status int) []byte {
	body := http.StatusText(status) + "\n"
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Connection", "close")
	if status == http.StatusMethodNotAllowed {
		h.Set("Allow", "GET, HEAD")
	}
	return appendResponse(nil, status, h, []byte(body))
}

func appendResponse(b []byte, status int, h http.Header, body []byte) []byte {
	var buf bytes.Buffer
	buf.Write(b)
	fmt.Fprintf(&buf, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status))
	_ = h.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// ChunkHeaderLen returns the length of the chunk header for a chunk of n bytes.
func ChunkHeaderLen(n int) int {
	l := 2 // CRLF
	for {
		l++
		n >>= 4
		if n == 0 {
			return l
		}
	}
}

// AppendChunkHeader appends the chunk header for a chunk of n bytes to b.
func AppendChunkHeader(b []byte, n int) []byte {
	b = strconv.AppendUint(b, uint64(n), 16)
	return append(b, '\r', '\n')
}
