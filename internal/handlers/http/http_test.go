package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.Error(w, "not here", http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Token", r.Header.Get("X-Token"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	res, err := Do(context.Background(), Request{
		URL:     srv.URL + "/echo",
		Method:  "post",
		Headers: map[string]string{"X-Token": "abc"},
		Body:    "payload",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "payload", res.Body)
	assert.Equal(t, "POST", res.Headers["X-Method"])
	assert.Equal(t, "abc", res.Headers["X-Token"])

	_, err = Do(context.Background(), Request{URL: srv.URL + "/missing"})
	assert.ErrorIs(t, err, ErrStatus)

	_, err = Do(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMissingURL)
}
