package models

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mountebank-testing/imposters/internal/util"
)

func testLogger() *util.Logger {
	return util.NewLoggerWithOutput("error", io.Discard)
}

func testContext(allowInjection bool) *ExecutionContext {
	return NewExecutionContext(testLogger(), allowInjection)
}

// decode unmarshals a JSON literal into T, failing the test on error
func decode[T any](t *testing.T, text string) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal([]byte(text), &value))
	return value
}

func testRequest() *Request {
	return &Request{
		Protocol:    "http",
		RequestFrom: "127.0.0.1:54321",
		IP:          "127.0.0.1",
		Method:      "POST",
		Path:        "/Test",
		Query: map[string]interface{}{
			"q":     "Value",
			"multi": []interface{}{"a", "b"},
		},
		Headers: map[string]interface{}{
			"Content-Type": "application/json",
			"Accept":       []interface{}{"text/plain", "application/xml"},
		},
		Body: `{"name":"Bob","tags":["x","y"]}`,
	}
}

// fakeProxy answers every call with a numbered body
type fakeProxy struct {
	mu       sync.Mutex
	calls    int
	requests []*Request
}

func (p *fakeProxy) To(_ context.Context, destination string, request *Request, _ *ProxyConfig) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	p.requests = append(p.requests, request)
	return &Response{
		StatusCode:        200,
		Headers:           map[string]interface{}{"X-Origin": destination},
		Body:              fmt.Sprintf("response %d", p.calls),
		ProxyResponseTime: 5,
	}, nil
}

func (p *fakeProxy) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func bodies(t *testing.T, stubs []Stub) [][]interface{} {
	t.Helper()
	result := make([][]interface{}, 0, len(stubs))
	for _, stub := range stubs {
		var row []interface{}
		for _, response := range stub.Responses {
			if response.Is == nil {
				row = append(row, nil)
				continue
			}
			row = append(row, response.Is.Body)
		}
		result = append(result, row)
	}
	return result
}
