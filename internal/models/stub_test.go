package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mountebank-testing/imposters/internal/util"
)

type repositoryFactory func(t *testing.T) StubRepository

var repositories = map[string]repositoryFactory{
	"memory": func(t *testing.T) StubRepository { return NewMemoryStubRepository() },
	"file":   func(t *testing.T) StubRepository { return NewFileStubRepository(t.TempDir(), testLogger()) },
}

func matchAll([]Predicate) (bool, error) { return true, nil }

func isResponse(body string) ResponseConfig {
	return ResponseConfig{Is: &Response{Body: body}}
}

func nextBodies(t *testing.T, repo StubRepository, n int) []interface{} {
	t.Helper()
	match, err := repo.First(matchAll, 0)
	require.NoError(t, err)
	require.True(t, match.Success)

	var result []interface{}
	for i := 0; i < n; i++ {
		rc, err := match.Stub.NextResponse()
		require.NoError(t, err)
		result = append(result, rc.Is.Body)
	}
	return result
}

func TestStubRepository_Contract(t *testing.T) {
	for name, newRepo := range repositories {
		t.Run(name, func(t *testing.T) {
			t.Run("cycles responses", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("first"), isResponse("second")}}))

				assert.Equal(t, []interface{}{"first", "second", "first"}, nextBodies(t, repo, 3))
			})

			t.Run("honors repeat", func(t *testing.T) {
				repo := newRepo(t)
				first := isResponse("first")
				first.Repeat = 2
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{first, isResponse("second")}}))

				assert.Equal(t, []interface{}{"first", "first", "second", "first"}, nextBodies(t, repo, 4))
			})

			t.Run("honors repeat behavior", func(t *testing.T) {
				repo := newRepo(t)
				stub := decode[Stub](t, `{"responses":[{"is":{"body":"first"},"behaviors":[{"repeat":2}]},{"is":{"body":"second"}}]}`)
				require.NoError(t, repo.Add(stub))

				assert.Equal(t, []interface{}{"first", "first", "second"}, nextBodies(t, repo, 3))
			})

			t.Run("first match from start index", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("zero")}}))
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("one")}}))

				match, err := repo.First(matchAll, 1)
				require.NoError(t, err)
				assert.True(t, match.Success)
				assert.Equal(t, 1, match.Index)
			})

			t.Run("no match yields default response", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("zero")}}))

				match, err := repo.First(func([]Predicate) (bool, error) { return false, nil }, 0)
				require.NoError(t, err)
				assert.False(t, match.Success)
				assert.Equal(t, -1, match.Index)

				rc, err := match.Stub.NextResponse()
				require.NoError(t, err)
				require.NotNil(t, rc.Is)
				assert.Nil(t, rc.Is.Body)
			})

			t.Run("insert overwrite delete", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("a")}}))
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("c")}}))
				require.NoError(t, repo.InsertAtIndex(Stub{Responses: []ResponseConfig{isResponse("b")}}, 1))

				all, err := repo.All()
				require.NoError(t, err)
				assert.Equal(t, [][]interface{}{{"a"}, {"b"}, {"c"}}, bodies(t, all))

				require.NoError(t, repo.OverwriteAtIndex(Stub{Responses: []ResponseConfig{isResponse("B")}}, 1))
				require.NoError(t, repo.DeleteAtIndex(0))

				all, err = repo.All()
				require.NoError(t, err)
				assert.Equal(t, [][]interface{}{{"B"}, {"c"}}, bodies(t, all))

				count, err := repo.Count()
				require.NoError(t, err)
				assert.Equal(t, 2, count)
			})

			t.Run("rejects out of range indexes", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("a")}}))

				err := repo.DeleteAtIndex(3)
				require.Error(t, err)
				assert.True(t, util.HasCode(err, util.CodeNoSuchResource))

				assert.Error(t, repo.OverwriteAtIndex(Stub{}, 1))
				assert.Error(t, repo.InsertAtIndex(Stub{}, 2))
			})

			t.Run("overwrite all resets cursors", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("old")}}))
				require.NoError(t, repo.OverwriteAll([]Stub{
					{Responses: []ResponseConfig{isResponse("x"), isResponse("y")}},
				}))

				assert.Equal(t, []interface{}{"x", "y"}, nextBodies(t, repo, 2))
			})

			t.Run("stub index follows insertions", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("a")}}))

				match, err := repo.First(matchAll, 0)
				require.NoError(t, err)
				rc, err := match.Stub.NextResponse()
				require.NoError(t, err)
				assert.Equal(t, 0, rc.StubIndex())

				require.NoError(t, repo.InsertAtIndex(Stub{Responses: []ResponseConfig{isResponse("b")}}, 0))
				assert.Equal(t, 1, rc.StubIndex())
			})

			t.Run("add and delete responses", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{
					{Proxy: &ProxyConfig{To: "http://localhost:9000"}},
				}}))

				match, err := repo.First(matchAll, 0)
				require.NoError(t, err)
				require.NoError(t, match.Stub.AddResponse(isResponse("recorded")))
				require.NoError(t, match.Stub.DeleteResponsesMatching(func(rc ResponseConfig) bool {
					return rc.Proxy != nil
				}))

				assert.Equal(t, []interface{}{"recorded", "recorded"}, nextBodies(t, repo, 2))
			})

			t.Run("records requests", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.AddRequest(&Request{Method: "GET", Path: "/one"}))
				require.NoError(t, repo.AddRequest(&Request{Method: "GET", Path: "/two"}))

				requests, err := repo.LoadRequests()
				require.NoError(t, err)
				require.Len(t, requests, 2)
				assert.Equal(t, "/one", requests[0].Path)
				assert.Equal(t, "/two", requests[1].Path)

				require.NoError(t, repo.DeleteSavedRequests())
				requests, err = repo.LoadRequests()
				require.NoError(t, err)
				assert.Empty(t, requests)
			})

			t.Run("records matches", func(t *testing.T) {
				repo := newRepo(t)
				require.NoError(t, repo.Add(Stub{Responses: []ResponseConfig{isResponse("a")}}))

				match, err := repo.First(matchAll, 0)
				require.NoError(t, err)
				rc, err := match.Stub.NextResponse()
				require.NoError(t, err)
				require.NoError(t, match.Stub.RecordMatch(&Request{Path: "/"}, &Response{Body: "a"}, rc, 3))

				all, err := repo.All()
				require.NoError(t, err)
				require.Len(t, all[0].Matches, 1)
				assert.Equal(t, int64(3), all[0].Matches[0].ProcessingTime)
			})
		})
	}
}

func TestMemoryStubRepository_CopiesStubs(t *testing.T) {
	repo := NewMemoryStubRepository()
	stub := Stub{Responses: []ResponseConfig{isResponse("original")}}
	require.NoError(t, repo.Add(stub))

	stub.Responses[0].Is.Body = "changed"

	all, err := repo.All()
	require.NoError(t, err)
	assert.Equal(t, "original", all[0].Responses[0].Is.Body)
}

func TestResponseConfig_ResponseType(t *testing.T) {
	rc := ResponseConfig{}
	_, err := rc.ResponseType()
	assert.EqualError(t, err, "bad data: unrecognized response type")

	rc = ResponseConfig{Is: &Response{}, Inject: "function () {}"}
	_, err = rc.ResponseType()
	assert.EqualError(t, err, "bad data: each response object must have only one response type")

	rc = ResponseConfig{Fault: "CONNECTION_RESET_BY_PEER"}
	responseType, err := rc.ResponseType()
	require.NoError(t, err)
	assert.Equal(t, ResponseFault, responseType)
}
