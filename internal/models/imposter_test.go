package models

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mountebank-testing/imposters/internal/util"
)

func newTestImposter(t *testing.T, config string) *Imposter {
	t.Helper()
	imposterConfig := decode[ImposterConfig](t, config)
	imposter, err := NewImposter(&imposterConfig, ImposterOptions{
		Logger: testLogger(),
		Proxy:  &fakeProxy{},
	})
	require.NoError(t, err)
	return imposter
}

func TestImposter_GetResponseFor(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545,"recordRequests":true,"stubs":[
		{"predicates":[{"equals":{"path":"/test"}}],"responses":[{"is":{"statusCode":201,"body":"created"}}]}
	]}`)

	response, err := imposter.GetResponseFor(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 201, response.StatusCode)
	assert.Equal(t, "created", response.Body)

	info, err := imposter.ToJSON(ToJSONOptions{BaseURL: "http://localhost:2525"})
	require.NoError(t, err)
	require.NotNil(t, info.NumberOfRequests)
	assert.Equal(t, 1, *info.NumberOfRequests)
	require.Len(t, info.Requests, 1)
	assert.Equal(t, "/Test", info.Requests[0].Path)
	assert.NotEmpty(t, info.Requests[0].Timestamp)
	assert.Equal(t, map[string]string{"href": "http://localhost:2525/imposters/4545"}, info.Links["self"])
}

func TestImposter_DoesNotRecordRequestsByDefault(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545}`)

	_, err := imposter.GetResponseFor(context.Background(), testRequest())
	require.NoError(t, err)

	info, err := imposter.ToJSON(ToJSONOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, *info.NumberOfRequests)
	assert.Empty(t, info.Requests)
}

func TestImposter_ToJSONViews(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545,"name":"orders","recordRequests":true,"stubs":[
		{"responses":[{"proxy":{"to":"http://origin"}}]},
		{"responses":[{"is":{"body":"kept"}},{"proxy":{"to":"http://origin"}}]}
	]}`)
	_, err := imposter.GetResponseFor(context.Background(), testRequest())
	require.NoError(t, err)

	list, err := imposter.ToJSON(ToJSONOptions{List: true})
	require.NoError(t, err)
	assert.Empty(t, list.Name)
	assert.Nil(t, list.Stubs)
	assert.NotNil(t, list.Links)

	replayable, err := imposter.ToJSON(ToJSONOptions{Replayable: true})
	require.NoError(t, err)
	assert.Equal(t, "orders", replayable.Name)
	assert.Nil(t, replayable.NumberOfRequests)
	assert.Nil(t, replayable.Links)
	assert.Nil(t, replayable.Requests)
	assert.Len(t, replayable.Stubs, 3)

	withoutProxies, err := imposter.ToJSON(ToJSONOptions{Replayable: true, RemoveProxies: true})
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{"response 1"}, {"kept"}}, bodies(t, withoutProxies.Stubs))
}

func TestImposter_StubManagement(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545,"stubs":[{"responses":[{"is":{"body":"a"}}]}]}`)

	require.NoError(t, imposter.AddStub(Stub{Responses: []ResponseConfig{isResponse("c")}}, nil))
	index := 1
	require.NoError(t, imposter.AddStub(Stub{Responses: []ResponseConfig{isResponse("b")}}, &index))
	require.NoError(t, imposter.OverwriteStubAtIndex(Stub{Responses: []ResponseConfig{isResponse("A")}}, 0))

	all, err := imposter.Stubs().All()
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{"A"}, {"b"}, {"c"}}, bodies(t, all))

	require.NoError(t, imposter.DeleteStubAtIndex(1))
	err = imposter.DeleteStubAtIndex(5)
	assert.True(t, util.HasCode(err, util.CodeNoSuchResource))

	require.NoError(t, imposter.OverwriteStubs([]Stub{{Responses: []ResponseConfig{isResponse("only")}}}))
	count, err := imposter.Stubs().Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestImposter_DeleteSavedProxyResponses(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545,"stubs":[
		{"responses":[{"proxy":{"to":"http://origin","predicateGenerators":[{"matches":{"path":true}}]}}]}
	]}`)
	_, err := imposter.GetResponseFor(context.Background(), testRequest())
	require.NoError(t, err)

	count, _ := imposter.Stubs().Count()
	require.Equal(t, 2, count)

	require.NoError(t, imposter.DeleteSavedProxyResponses())

	all, err := imposter.Stubs().All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].Responses[0].Proxy)
}

func TestImposter_DeleteSavedProxyResponsesKeepsCursors(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545,"stubs":[
		{"responses":[
			{"proxy":{"to":"http://first","predicateGenerators":[{"matches":{"path":true}}]}},
			{"proxy":{"to":"http://second","predicateGenerators":[{"matches":{"path":true}}]}},
			{"is":{"body":"saved"}}
		]}
	]}`)
	request := testRequest()
	request.Path = "/a"
	response, err := imposter.GetResponseFor(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "http://first", response.Headers["X-Origin"])

	require.NoError(t, imposter.DeleteSavedProxyResponses())

	all, err := imposter.Stubs().All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Len(t, all[0].Responses, 2)

	request = testRequest()
	request.Path = "/b"
	response, err = imposter.GetResponseFor(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "http://second", response.Headers["X-Origin"])
}

func TestImposter_ResetRequests(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545,"recordRequests":true}`)
	_, err := imposter.GetResponseFor(context.Background(), testRequest())
	require.NoError(t, err)

	require.NoError(t, imposter.ResetRequests())

	info, err := imposter.ToJSON(ToJSONOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, *info.NumberOfRequests)
	assert.Empty(t, info.Requests)
}

func TestImposter_Stop(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545}`)
	assert.NoError(t, imposter.Stop())

	closed := 0
	imposter.SetCloseFunc(func() error {
		closed++
		return nil
	})
	require.NoError(t, imposter.Stop())
	assert.Equal(t, 1, closed)

	imposter.SetCloseFunc(func() error { return errors.New("busy") })
	assert.EqualError(t, imposter.Stop(), "busy")
}

func TestImposter_BinaryEncoding(t *testing.T) {
	imposter := newTestImposter(t, `{"protocol":"http","port":4545,"mode":"binary"}`)
	assert.Equal(t, "base64", imposter.Encoding())
	assert.Equal(t, "utf8", newTestImposter(t, `{"protocol":"http","port":4546}`).Encoding())
}

func TestImposterRepository(t *testing.T) {
	repo := NewImposterRepository(testLogger(), nil)

	second := newTestImposter(t, `{"protocol":"http","port":5001}`)
	first := newTestImposter(t, `{"protocol":"http","port":5000}`)
	require.NoError(t, repo.Add(second))
	require.NoError(t, repo.Add(first))

	err := repo.Add(newTestImposter(t, `{"protocol":"http","port":5000}`))
	assert.True(t, util.HasCode(err, util.CodeResourceConflict))

	assert.True(t, repo.Exists(5000))
	assert.Equal(t, []*Imposter{first, second}, repo.GetAll())

	got, err := repo.Get(5001)
	require.NoError(t, err)
	assert.Same(t, second, got)

	_, err = repo.Get(6000)
	assert.True(t, util.HasCode(err, util.CodeNoSuchResource))

	deleted, err := repo.Delete(5000)
	require.NoError(t, err)
	assert.Same(t, first, deleted)
	assert.False(t, repo.Exists(5000))

	all, err := repo.DeleteAll()
	require.NoError(t, err)
	assert.Equal(t, []*Imposter{second}, all)
	assert.Empty(t, repo.GetAll())
}
