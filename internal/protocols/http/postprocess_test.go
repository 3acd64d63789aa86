package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mountebank-testing/imposters/internal/models"
)

func TestPostProcessor_FillsDefaults(t *testing.T) {
	out, err := PostProcessor(nil)(&models.Response{}, &models.Request{})
	require.NoError(t, err)

	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, map[string]interface{}{"Connection": "close"}, out.Headers)
	assert.Equal(t, "", out.Body)
}

func TestPostProcessor_ImposterDefaultResponse(t *testing.T) {
	process := PostProcessor(&models.Response{
		StatusCode: 404,
		Headers:    map[string]interface{}{"X-Default": "yes"},
		Body:       "not here",
	})

	out, err := process(&models.Response{}, &models.Request{})
	require.NoError(t, err)
	assert.Equal(t, 404, out.StatusCode)
	assert.Equal(t, map[string]interface{}{"X-Default": "yes"}, out.Headers)
	assert.Equal(t, "not here", out.Body)

	out, err = process(&models.Response{StatusCode: 201, Body: "mine"}, &models.Request{})
	require.NoError(t, err)
	assert.Equal(t, 201, out.StatusCode)
	assert.Equal(t, "mine", out.Body)
	assert.Equal(t, "yes", out.Headers["X-Default"])
}

func TestPostProcessor_ObjectBodies(t *testing.T) {
	process := PostProcessor(nil)

	out, err := process(&models.Response{Body: map[string]interface{}{"id": float64(1)}}, &models.Request{})
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"id\": 1\n}", out.Body)
	assert.Equal(t, "application/json", out.Headers["Content-Type"])

	out, err = process(&models.Response{
		Headers: map[string]interface{}{"content-type": "application/vnd.api+json"},
		Body:    []interface{}{"a"},
	}, &models.Request{})
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.api+json", out.Headers["content-type"])
	assert.NotContains(t, out.Headers, "Content-Type")
}

func TestPostProcessor_DoesNotMutateInput(t *testing.T) {
	in := &models.Response{Body: map[string]interface{}{"a": "b"}}
	_, err := PostProcessor(nil)(in, &models.Request{})
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{"a": "b"}, in.Body)
	assert.Nil(t, in.Headers)
}
