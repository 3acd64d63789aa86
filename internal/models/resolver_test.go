package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mountebank-testing/imposters/internal/util"
)

type resolverFixture struct {
	ec       *ExecutionContext
	proxy    *fakeProxy
	stubs    StubRepository
	resolver *StubResolver
}

func newResolverFixture(t *testing.T, allowInjection bool, postProcess PostProcessFunc, stubs string) *resolverFixture {
	t.Helper()
	ec := testContext(allowInjection)
	proxy := &fakeProxy{}
	repo := NewMemoryStubRepository()
	require.NoError(t, repo.OverwriteAll(decode[[]Stub](t, stubs)))
	return &resolverFixture{
		ec:       ec,
		proxy:    proxy,
		stubs:    repo,
		resolver: NewStubResolver(ec, NewResponseResolver(ec, proxy, postProcess), false),
	}
}

func (f *resolverFixture) send(t *testing.T, path string) *Response {
	t.Helper()
	request := testRequest()
	request.Path = path
	response, err := f.resolver.Resolve(context.Background(), request, f.stubs)
	require.NoError(t, err)
	return response
}

func (f *resolverFixture) all(t *testing.T) []Stub {
	t.Helper()
	all, err := f.stubs.All()
	require.NoError(t, err)
	return all
}

func TestStubResolver_FirstMatchingStubWins(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[
		{"predicates":[{"equals":{"path":"/a"}}],"responses":[{"is":{"body":"a"}}]},
		{"predicates":[{"startsWith":{"path":"/a"}}],"responses":[{"is":{"body":"starts with a"}}]},
		{"responses":[{"is":{"body":"fallback"}}]}
	]`)

	assert.Equal(t, "a", f.send(t, "/a").Body)
	assert.Equal(t, "starts with a", f.send(t, "/ab").Body)
	assert.Equal(t, "fallback", f.send(t, "/b").Body)
}

func TestStubResolver_DefaultResponseWithoutMatch(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"predicates":[{"equals":{"path":"/a"}}],"responses":[{"is":{"body":"a"}}]}]`)

	response := f.send(t, "/other")
	assert.Equal(t, 0, response.StatusCode)
	assert.Nil(t, response.Body)
}

func TestStubResolver_RecordsMatches(t *testing.T) {
	ec := testContext(false)
	repo := NewMemoryStubRepository()
	require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{{Is: &Response{Body: "ok"}}}}))
	resolver := NewStubResolver(ec, NewResponseResolver(ec, &fakeProxy{}, nil), true)

	_, err := resolver.Resolve(context.Background(), testRequest(), repo)
	require.NoError(t, err)

	all, err := repo.All()
	require.NoError(t, err)
	require.Len(t, all[0].Matches, 1)
	assert.Equal(t, "/Test", all[0].Matches[0].Request.Path)
	assert.Equal(t, "ok", all[0].Matches[0].Response.Body)
}

func TestResponseResolver_ProxyOnceRecordsBeforeProxyStub(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"responses":[{"proxy":{
		"to":"http://origin",
		"predicateGenerators":[{"matches":{"path":true}}]
	}}]}]`)

	assert.Equal(t, "response 1", f.send(t, "/a").Body)
	assert.Equal(t, "response 1", f.send(t, "/a").Body)
	assert.Equal(t, "response 2", f.send(t, "/b").Body)
	assert.Equal(t, 2, f.proxy.callCount())

	all := f.all(t)
	require.Len(t, all, 3)
	assert.Equal(t, [][]interface{}{{"response 1"}, {"response 2"}, {nil}}, bodies(t, all))
	assert.Equal(t, map[string]interface{}{"path": "/a"}, all[0].Predicates[0].DeepEquals)
	assert.Equal(t, map[string]interface{}{"path": "/b"}, all[1].Predicates[0].DeepEquals)
}

func TestResponseResolver_CompletesAfterCallerContextEnds(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"responses":[{
		"proxy":{"to":"http://origin","predicateGenerators":[{"matches":{"path":true}}]},
		"behaviors":[{"wait":50}]
	}]}]`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	request := testRequest()
	request.Path = "/slow"
	response, err := f.resolver.Resolve(ctx, request, f.stubs)
	require.NoError(t, err)
	assert.Equal(t, "response 1", response.Body)
	assert.Len(t, f.all(t), 2)
}

func TestResponseResolver_ProxyAlwaysAppendsToRecordedStub(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"responses":[{"proxy":{
		"to":"http://origin",
		"mode":"proxyAlways",
		"predicateGenerators":[{"matches":{"path":true}}]
	}}]}]`)

	assert.Equal(t, "response 1", f.send(t, "/a").Body)
	assert.Equal(t, "response 2", f.send(t, "/a").Body)
	assert.Equal(t, "response 3", f.send(t, "/b").Body)
	assert.Equal(t, 3, f.proxy.callCount())

	all := f.all(t)
	require.Len(t, all, 3)
	assert.Equal(t, [][]interface{}{{nil}, {"response 1", "response 2"}, {"response 3"}}, bodies(t, all))
}

func TestResponseResolver_ProxyTransparentRecordsNothing(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"responses":[{"proxy":{"to":"http://origin","mode":"proxyTransparent"}}]}]`)

	f.send(t, "/a")
	f.send(t, "/a")
	assert.Equal(t, 2, f.proxy.callCount())
	assert.Len(t, f.all(t), 1)
}

func TestResponseResolver_ProxyAddsWaitBehavior(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"responses":[{"proxy":{"to":"http://origin","addWaitBehavior":true}}]}]`)

	f.send(t, "/a")

	all := f.all(t)
	require.Len(t, all, 2)
	require.Len(t, all[0].Responses[0].Behaviors, 1)
	assert.Equal(t, float64(5), all[0].Responses[0].Behaviors[0].Wait)
}

func TestResponseResolver_PredicateGeneratorOptions(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"responses":[{"proxy":{
		"to":"http://origin",
		"predicateGenerators":[
			{"matches":{"query":{"q":true}},"caseSensitive":true},
			{"matches":{"method":true,"body":false}}
		]
	}}]}]`)

	f.send(t, "/a")

	predicates := f.all(t)[0].Predicates
	require.Len(t, predicates, 2)
	assert.Equal(t, map[string]interface{}{"query": map[string]interface{}{"q": "Value"}}, predicates[0].Equals)
	assert.True(t, predicates[0].CaseSensitive)
	assert.Equal(t, map[string]interface{}{"method": "POST"}, predicates[1].DeepEquals)
}

func TestResponseResolver_InjectKeepsStateApart(t *testing.T) {
	f := newResolverFixture(t, true, nil, `[{"responses":[{"inject":
		"function (config, state) { state.count = (state.count || 0) + 1; config.state.seen = true; return { statusCode: 201, body: 'count ' + state.count }; }"
	}]}]`)

	f.send(t, "/")
	response := f.send(t, "/")

	assert.Equal(t, 201, response.StatusCode)
	assert.Equal(t, "count 2", response.Body)
	assert.Equal(t, map[string]interface{}{"seen": true}, f.ec.State.Snapshot())
}

func TestResponseResolver_InjectStatePerResolver(t *testing.T) {
	ec := testContext(true)
	rc := decode[ResponseConfig](t, `{"inject":
		"function (config, state) { state.n = (state.n || 0) + 1; return { body: 'n=' + state.n }; }"
	}`)
	first := NewResponseResolver(ec, &fakeProxy{}, nil)
	second := NewResponseResolver(ec, &fakeProxy{}, nil)

	resolve := func(resolver *ResponseResolver) interface{} {
		response, err := resolver.Resolve(context.Background(), &rc, testRequest(), NewMemoryStubRepository())
		require.NoError(t, err)
		return response.Body
	}
	assert.Equal(t, "n=1", resolve(first))
	assert.Equal(t, "n=2", resolve(first))
	assert.Equal(t, "n=1", resolve(second))
}

func TestResponseResolver_InjectCallback(t *testing.T) {
	f := newResolverFixture(t, true, nil, `[{"responses":[{"inject":
		"function (config, state, logger, callback) { setTimeout(function () { callback({ body: 'later' }); }, 10); }"
	}]}]`)

	assert.Equal(t, "later", f.send(t, "/").Body)
}

func TestResponseResolver_InjectNotAllowed(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[{"responses":[{"inject":"function () { return {}; }"}]}]`)

	_, err := f.resolver.Resolve(context.Background(), testRequest(), f.stubs)
	require.Error(t, err)
	assert.True(t, util.HasCode(err, util.CodeInvalidInjection))
}

func TestResponseResolver_FaultSkipsPostProcessing(t *testing.T) {
	postProcess := func(response *Response, _ *Request) (*Response, error) {
		response.Headers = map[string]interface{}{"X-Processed": "true"}
		return response, nil
	}
	f := newResolverFixture(t, false, postProcess, `[{"responses":[{"fault":"CONNECTION_RESET_BY_PEER"}]}]`)

	response := f.send(t, "/")
	assert.Equal(t, "CONNECTION_RESET_BY_PEER", response.Fault)
	assert.Nil(t, response.Headers)
}

func TestResponseResolver_PostProcessRunsBeforeBehaviors(t *testing.T) {
	postProcess := func(response *Response, _ *Request) (*Response, error) {
		if response.Body == nil {
			response.Body = "default ${q}"
		}
		return response, nil
	}
	f := newResolverFixture(t, false, postProcess, `[{"responses":[{"is":{},"behaviors":[
		{"copy":{"from":{"query":"q"},"into":"${q}","using":{"method":"regex","selector":".+"}}}
	]}]}]`)

	assert.Equal(t, "default Value", f.send(t, "/").Body)
}

// proxyAlways only looks for an existing recording after the proxy stub.
// A stub with the same predicates placed before it is left alone and a new
// stub is appended instead.
func TestResponseResolver_ProxyAlwaysScansForwardOnly(t *testing.T) {
	f := newResolverFixture(t, false, nil, `[
		{"predicates":[{"deepEquals":{"path":"/a"}}],"responses":[{"is":{"body":"earlier"}}]},
		{"responses":[{"proxy":{"to":"http://origin","mode":"proxyAlways","predicateGenerators":[{"matches":{"path":true}}]}}]}
	]`)

	match, err := f.stubs.First(matchAll, 1)
	require.NoError(t, err)
	require.Equal(t, 1, match.Index)
	rc, err := match.Stub.NextResponse()
	require.NoError(t, err)

	request := testRequest()
	request.Path = "/a"
	_, err = f.resolver.responses.Resolve(context.Background(), rc, request, f.stubs)
	require.NoError(t, err)

	assert.Equal(t, [][]interface{}{{"earlier"}, {nil}, {"response 1"}}, bodies(t, f.all(t)))
}
