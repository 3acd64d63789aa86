package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

type recordingResponder struct {
	mu       sync.Mutex
	requests []*models.Request
	response *models.Response
	err      error
}

func (r *recordingResponder) GetResponseFor(_ context.Context, request *models.Request) (*models.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, request)
	return r.response, r.err
}

func (r *recordingResponder) last() *models.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

func startServer(t *testing.T, config *models.ImposterConfig, responder Responder) (*Server, string) {
	t.Helper()
	config.Host = "127.0.0.1"
	server, err := Listen(config)
	require.NoError(t, err)
	server.Serve(responder, testLogger())
	t.Cleanup(func() { _ = server.Close() })
	return server, fmt.Sprintf("http://127.0.0.1:%d", server.Port())
}

func TestServer_RoundTrip(t *testing.T) {
	responder := &recordingResponder{response: &models.Response{
		StatusCode: 201,
		Headers:    map[string]interface{}{"X-Single": "one", "X-Multi": []interface{}{"a", "b"}},
		Body:       "hello",
	}}
	server, base := startServer(t, &models.ImposterConfig{Protocol: "http"}, responder)
	assert.NotZero(t, server.Port())

	resp, err := http.Post(base+"/orders?id=1&id=2", "text/plain", strings.NewReader("body text"))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "one", resp.Header.Get("X-Single"))
	assert.Equal(t, []string{"a", "b"}, resp.Header.Values("X-Multi"))

	request := responder.last()
	assert.Equal(t, "http", request.Protocol)
	assert.Equal(t, http.MethodPost, request.Method)
	assert.Equal(t, "/orders", request.Path)
	assert.Equal(t, []interface{}{"1", "2"}, request.Query["id"])
	assert.Equal(t, "text/plain", request.Headers["Content-Type"])
	assert.Equal(t, "body text", request.Body)
	assert.Equal(t, "127.0.0.1", request.IP)
	assert.NotEmpty(t, request.Timestamp)
}

func TestServer_ParsesForms(t *testing.T) {
	responder := &recordingResponder{response: &models.Response{}}
	_, base := startServer(t, &models.ImposterConfig{Protocol: "http"}, responder)

	resp, err := http.PostForm(base+"/login", url.Values{"user": {"bob"}, "role": {"a", "b"}})
	require.NoError(t, err)
	resp.Body.Close()

	form := responder.last().Form
	assert.Equal(t, "bob", form["user"])
	assert.Equal(t, []interface{}{"a", "b"}, form["role"])
}

func TestServer_BinaryMode(t *testing.T) {
	responder := &recordingResponder{response: &models.Response{Body: "AQID", Mode: "binary"}}
	_, base := startServer(t, &models.ImposterConfig{Protocol: "http", Mode: "binary"}, responder)

	resp, err := http.Post(base+"/", "application/octet-stream", strings.NewReader("\x04\x05"))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "BAU=", responder.last().Body)
}

func TestServer_ErrorDocuments(t *testing.T) {
	responder := &recordingResponder{err: util.NewInjectionError("boom", "source", nil)}
	_, base := startServer(t, &models.ImposterConfig{Protocol: "http"}, responder)

	resp, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"errors":[{"code":"invalid injection","message":"boom","source":"source"}]}`, string(data))
}

func TestServer_Faults(t *testing.T) {
	for _, fault := range []string{FaultConnectionReset, FaultRandomDataAndClose} {
		t.Run(fault, func(t *testing.T) {
			responder := &recordingResponder{response: &models.Response{Fault: fault}}
			_, base := startServer(t, &models.ImposterConfig{Protocol: "http"}, responder)

			resp, err := http.Get(base + "/")
			if err == nil {
				resp.Body.Close()
			}
			assert.Error(t, err)
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	responder := &recordingResponder{response: &models.Response{}}
	_, base := startServer(t, &models.ImposterConfig{Protocol: "http", AllowCORS: true}, responder)

	req, err := http.NewRequest(http.MethodOptions, base+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, responder.requests)
}

func TestServer_RejectsUnlistedAddresses(t *testing.T) {
	responder := &recordingResponder{response: &models.Response{}}
	config := &models.ImposterConfig{Protocol: "http", Host: "127.0.0.1"}
	server, err := Listen(config)
	require.NoError(t, err)
	server.SetIPVerifier(util.NewIPVerifier([]string{"10.0.0.1"}))
	server.Serve(responder, testLogger())
	defer server.Close()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", server.Port()))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, responder.requests)
}

func TestListen_PortInUse(t *testing.T) {
	first, err := Listen(&models.ImposterConfig{Protocol: "http", Host: "127.0.0.1"})
	require.NoError(t, err)
	defer first.Close()

	_, err = Listen(&models.ImposterConfig{Protocol: "http", Host: "127.0.0.1", Port: first.Port()})
	require.Error(t, err)
	assert.True(t, util.HasCode(err, util.CodeCannotStartServer))
}
