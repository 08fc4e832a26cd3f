package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPost(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "http://classifier.local/predict/", strings.NewReader(body))
	require.NoError(t, err)
	return req
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"ok":true}`).
		AddErrorResponse(errors.New("connection reset"))

	resp, err := mock.Do(newPost(t, "first"))
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"ok":true}`, string(b))

	_, err = mock.Do(newPost(t, "second"))
	assert.EqualError(t, err, "connection reset")

	resp, err = mock.Do(newPost(t, "third"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "exhausted queue answers 200")

	assert.Equal(t, 3, mock.RequestCount())
	req, body := mock.Request(1)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "second", string(body))
	req, _ = mock.Request(5)
	assert.Nil(t, req)
}

func TestMockHTTPClient_DoFuncSeesBody(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(req.Body)
		return &http.Response{StatusCode: http.StatusTeapot, Body: io.NopCloser(strings.NewReader(string(b)))}, nil
	}
	resp, err := mock.Do(newPost(t, "echo"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "echo", string(b))
}

func TestDecodeJSON(t *testing.T) {
	mock := NewMockHTTPClient().
		AddResponse(http.StatusOK, `{"name":"brick"}`).
		AddResponse(http.StatusBadGateway, "  upstream down \n").
		AddResponse(http.StatusOK, `not json`)

	var v struct{ Name string }
	resp, _ := mock.Do(newPost(t, ""))
	require.NoError(t, DecodeJSON(resp, &v))
	assert.Equal(t, "brick", v.Name)

	resp, _ = mock.Do(newPost(t, ""))
	err := DecodeJSON(resp, &v)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)

	resp, _ = mock.Do(newPost(t, ""))
	assert.Error(t, DecodeJSON(resp, &v))
}
