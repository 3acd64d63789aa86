package controllers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImposterFactory validates configurations and starts imposters
type ImposterFactory interface {
	Validate(ctx context.Context, config *models.ImposterConfig) models.ValidationResult
	ValidateStubs(ctx context.Context, imposter *models.Imposter, stubs []models.Stub) models.ValidationResult
	Create(ctx context.Context, config *models.ImposterConfig) (*models.Imposter, error)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(body)
}

func writeErrors(w http.ResponseWriter, status int, errs []*util.MountebankError) {
	writeJSON(w, status, map[string]interface{}{"errors": errs})
}

// writeError maps an error to its status code and error document
func writeError(w http.ResponseWriter, err error) {
	mbErr := util.ToMountebankError(err, util.CodeBadData)
	writeErrors(w, statusFor(err), []*util.MountebankError{mbErr})
}

func statusFor(err error) int {
	mbErr, ok := util.AsMountebankError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch mbErr.Code {
	case util.CodeNoSuchResource:
		return http.StatusNotFound
	case util.CodeInsufficientAccess:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return util.NewValidationError("Unable to parse body as JSON", err.Error())
	}
	return nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func queryFlag(r *http.Request, name string, fallback bool) bool {
	switch r.URL.Query().Get(name) {
	case "true":
		return true
	case "false":
		return false
	}
	return fallback
}

func renderAll(imposters []*models.Imposter, opts models.ToJSONOptions) ([]*models.ImposterInfo, error) {
	list := make([]*models.ImposterInfo, 0, len(imposters))
	for _, imposter := range imposters {
		info, err := imposter.ToJSON(opts)
		if err != nil {
			return nil, err
		}
		list = append(list, info)
	}
	return list, nil
}
