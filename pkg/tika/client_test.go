package tika

import (
	"context"
	"docqa-go/internal/config"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte("\r\n  extracted: " + string(body) + "\r\nline two\r\n\r\n"))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL + "/"})
	text, err := c.ExtractText(context.Background(), strings.NewReader("%PDF"), "note.pdf")
	require.NoError(t, err)
	assert.Equal(t, "extracted: %PDF\nline two", text)
}

func TestExtractTextServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("bad document"))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL})
	_, err := c.ExtractText(context.Background(), strings.NewReader("x"), "note.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/octet-stream", contentTypeFor("README"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("file.unknownext"))
	assert.Equal(t, "application/pdf", contentTypeFor("a.pdf"))
}
