package controllers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImposterController handles single imposter endpoints
type ImposterController struct {
	repository *models.ImposterRepository
	factory    ImposterFactory
	logger     *util.Logger
}

// NewImposterController creates a new imposter controller
func NewImposterController(repository *models.ImposterRepository, factory ImposterFactory, logger *util.Logger) *ImposterController {
	return &ImposterController{
		repository: repository,
		factory:    factory,
		logger:     logger,
	}
}

// Get handles GET /imposters/{id}
func (ic *ImposterController) Get(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.imposterFor(w, r)
	if !ok {
		return
	}
	ic.respondWith(w, r, imposter, models.ToJSONOptions{
		Replayable:    queryFlag(r, "replayable", false),
		RemoveProxies: queryFlag(r, "removeProxies", false),
	})
}

// Delete handles DELETE /imposters/{id}. Deleting a missing imposter is
// not an error.
func (ic *ImposterController) Delete(w http.ResponseWriter, r *http.Request) {
	port, err := portFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ic.repository.Exists(port) {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}

	imposter, err := ic.repository.Get(port)
	if err != nil {
		writeError(w, err)
		return
	}
	// render first, file-backed stubs are gone once the imposter is deleted
	info, err := imposter.ToJSON(models.ToJSONOptions{
		Replayable:    queryFlag(r, "replayable", true),
		RemoveProxies: queryFlag(r, "removeProxies", false),
		BaseURL:       baseURL(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := ic.repository.Delete(port); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PutStubs handles PUT /imposters/{id}/stubs
func (ic *ImposterController) PutStubs(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.imposterFor(w, r)
	if !ok {
		return
	}

	var body struct {
		Stubs []models.Stub `json:"stubs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Stubs == nil {
		writeError(w, util.NewValidationError("'stubs' is a required field", nil))
		return
	}
	if !ic.validStubs(w, r, imposter, body.Stubs) {
		return
	}

	if err := imposter.OverwriteStubs(body.Stubs); err != nil {
		writeError(w, err)
		return
	}
	ic.respondWith(w, r, imposter, models.ToJSONOptions{})
}

// PostStub handles POST /imposters/{id}/stubs with a body of
// {"index": n, "stub": {...}}; index defaults to the end
func (ic *ImposterController) PostStub(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.imposterFor(w, r)
	if !ok {
		return
	}

	var body struct {
		Index *int         `json:"index"`
		Stub  *models.Stub `json:"stub"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Stub == nil {
		writeError(w, util.NewValidationError("must contain 'stub' field", nil))
		return
	}
	if !ic.validStubs(w, r, imposter, []models.Stub{*body.Stub}) {
		return
	}

	if err := imposter.AddStub(*body.Stub, body.Index); err != nil {
		writeError(w, err)
		return
	}
	ic.respondWith(w, r, imposter, models.ToJSONOptions{})
}

// PutStub handles PUT /imposters/{id}/stubs/{stubIndex}; the body is the
// replacement stub
func (ic *ImposterController) PutStub(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.imposterFor(w, r)
	if !ok {
		return
	}
	index, err := stubIndexFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var stub models.Stub
	if err := decodeBody(r, &stub); err != nil {
		writeError(w, err)
		return
	}
	if !ic.validStubs(w, r, imposter, []models.Stub{stub}) {
		return
	}

	if err := imposter.OverwriteStubAtIndex(stub, index); err != nil {
		writeError(w, err)
		return
	}
	ic.respondWith(w, r, imposter, models.ToJSONOptions{})
}

// DeleteStub handles DELETE /imposters/{id}/stubs/{stubIndex}
func (ic *ImposterController) DeleteStub(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.imposterFor(w, r)
	if !ok {
		return
	}
	index, err := stubIndexFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := imposter.DeleteStubAtIndex(index); err != nil {
		writeError(w, err)
		return
	}
	ic.respondWith(w, r, imposter, models.ToJSONOptions{})
}

// ResetRequests handles DELETE /imposters/{id}/savedRequests
func (ic *ImposterController) ResetRequests(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.imposterFor(w, r)
	if !ok {
		return
	}
	if err := imposter.ResetRequests(); err != nil {
		writeError(w, err)
		return
	}
	ic.respondWith(w, r, imposter, models.ToJSONOptions{})
}

// DeleteSavedProxyResponses handles DELETE /imposters/{id}/savedProxyResponses
func (ic *ImposterController) DeleteSavedProxyResponses(w http.ResponseWriter, r *http.Request) {
	imposter, ok := ic.imposterFor(w, r)
	if !ok {
		return
	}
	if err := imposter.DeleteSavedProxyResponses(); err != nil {
		writeError(w, err)
		return
	}
	ic.respondWith(w, r, imposter, models.ToJSONOptions{})
}

func (ic *ImposterController) imposterFor(w http.ResponseWriter, r *http.Request) (*models.Imposter, bool) {
	port, err := portFrom(r)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	imposter, err := ic.repository.Get(port)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return imposter, true
}

func (ic *ImposterController) validStubs(w http.ResponseWriter, r *http.Request, imposter *models.Imposter, stubs []models.Stub) bool {
	result := ic.factory.ValidateStubs(r.Context(), imposter, stubs)
	if !result.IsValid {
		writeErrors(w, http.StatusBadRequest, result.Errors)
		return false
	}
	return true
}

func (ic *ImposterController) respondWith(w http.ResponseWriter, r *http.Request, imposter *models.Imposter, opts models.ToJSONOptions) {
	opts.BaseURL = baseURL(r)
	info, err := imposter.ToJSON(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func portFrom(r *http.Request) (int, error) {
	id := mux.Vars(r)["id"]
	port, err := strconv.Atoi(id)
	if err != nil {
		return 0, util.NewValidationError("invalid port", id)
	}
	return port, nil
}

func stubIndexFrom(r *http.Request) (int, error) {
	raw := mux.Vars(r)["stubIndex"]
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, util.NewMissingResourceError("'stubIndex' must be a valid integer, representing the array index position of the stub to replace", raw)
	}
	return index, nil
}
