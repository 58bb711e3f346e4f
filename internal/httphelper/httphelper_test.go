package httphelper

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeFeed(t *testing.T) {
	var h Handshake

	done, err := h.Feed([]byte("GET /live HTTP/1.1\r\nHost: example.com\r"))
	require.NoError(t, err)
	assert.False(t, done)

	// Terminator split across reads.
	done, err = h.Feed([]byte("\n\r"))
	require.NoError(t, err)
	assert.False(t, done)

	done, err = h.Feed([]byte("\n"))
	require.NoError(t, err)
	assert.True(t, done)

	req, err := h.Request()
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/live", req.URL.Path)
	assert.Equal(t, "example.com", req.Host)
	assert.True(t, Chunked(req))
}

func TestHandshakeTooLarge(t *testing.T) {
	var h Handshake
	_, err := h.Feed([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	_, err = h.Feed(bytes.Repeat([]byte("X-Pad: aaaaaaaa\r\n"), MaxHeaderBytes/16))
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestHandshakeTooLargeInSingleRead(t *testing.T) {
	var h Handshake
	req := "GET / HTTP/1.1\r\n" + strings.Repeat("X-Pad: aaaaaaaa\r\n", MaxHeaderBytes/16) + "\r\n"
	done, err := h.Feed([]byte(req))
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
	assert.False(t, done)

	var exact Handshake
	req = "GET / HTTP/1.1\r\nX-Pad: " + strings.Repeat("a", MaxHeaderBytes-len("GET / HTTP/1.1\r\nX-Pad: \r\n\r\n")) + "\r\n\r\n"
	require.Len(t, req, MaxHeaderBytes)
	done, err = exact.Feed([]byte(req))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestHandshakeIncomplete(t *testing.T) {
	var h Handshake
	_, err := h.Feed([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	_, err = h.Request()
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestHandshakeMalformed(t *testing.T) {
	var h Handshake
	done, err := h.Feed([]byte("NONSENSE\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, done)

	_, err = h.Request()
	assert.Error(t, err)
}

func TestRoute(t *testing.T) {
	for _, tc := range []struct {
		name   string
		method string
		target string
		action Action
		status int
	}{
		{"stream", http.MethodGet, "/live", ActionStream, http.StatusOK},
		{"query ignored", http.MethodGet, "/live?token=1", ActionStream, http.StatusOK},
		{"head", http.MethodHead, "/live", ActionHeadersOnly, http.StatusOK},
		{"post", http.MethodPost, "/live", ActionReject, http.StatusMethodNotAllowed},
		{"wrong path", http.MethodGet, "/other", ActionReject, http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, "http://relay"+tc.target, nil)
			require.NoError(t, err)
			action, status := Route(req, "/live")
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.status, status)
		})
	}
}

func TestStreamHeaderParsesAsChunkedResponse(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(StreamHeader(DefaultContentType, true))
	raw.Write(AppendChunkHeader(nil, 3))
	raw.WriteString("abc")
	raw.Write(ChunkTrailer)
	raw.Write(AppendChunkHeader(nil, 20))
	raw.WriteString("defghijklmnopqrstuvw")
	raw.Write(ChunkTrailer)
	raw.Write(LastChunk)

	resp, err := http.ReadResponse(bufio.NewReader(&raw), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, DefaultContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnopqrstuvw", string(body))
}

func TestStreamHeaderPlain(t *testing.T) {
	header := string(StreamHeader("video/mp2t", false))
	assert.True(t, strings.HasPrefix(header, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, header, "Content-Type: video/mp2t\r\n")
	assert.NotContains(t, header, "Transfer-Encoding")
	assert.True(t, strings.HasSuffix(header, "\r\n\r\n"))
}

func TestErrorResponse(t *testing.T) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(ErrorResponse(http.StatusMethodNotAllowed))), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Method Not Allowed\n", string(body))
}

func TestChunkFramingMatchesHTTPUtil(t *testing.T) {
	for _, n := range []int{1, 15, 16, 255, 4096, 4 * 1024 * 1024} {
		var want bytes.Buffer
		w := httputil.NewChunkedWriter(&want)
		_, err := w.Write(make([]byte, n))
		require.NoError(t, err)

		got := AppendChunkHeader(nil, n)
		assert.Len(t, got, ChunkHeaderLen(n))
		assert.Equal(t, want.Bytes()[:len(got)], got, "n=%d", n)
	}
}

func TestValidContentType(t *testing.T) {
	assert.True(t, ValidContentType(DefaultContentType))
	assert.True(t, ValidContentType("video/mp2t; charset=binary"))
	assert.False(t, ValidContentType(""))
	assert.False(t, ValidContentType("video/mpegts\r\nX-Injected: 1"))
}
