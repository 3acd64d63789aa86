package controllers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mountebank-testing/imposters/internal/models"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ImpostersController handles imposter collection endpoints
type ImpostersController struct {
	repository *models.ImposterRepository
	factory    ImposterFactory
	logger     *util.Logger
}

// NewImpostersController creates a new imposters controller
func NewImpostersController(repository *models.ImposterRepository, factory ImposterFactory, logger *util.Logger) *ImpostersController {
	return &ImpostersController{
		repository: repository,
		factory:    factory,
		logger:     logger,
	}
}

// Get handles GET /imposters
func (ic *ImpostersController) Get(w http.ResponseWriter, r *http.Request) {
	replayable := queryFlag(r, "replayable", false)
	opts := models.ToJSONOptions{
		Replayable:    replayable,
		RemoveProxies: queryFlag(r, "removeProxies", false),
		List:          !replayable,
		BaseURL:       baseURL(r),
	}

	list, err := renderAll(ic.repository.GetAll(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"imposters": list})
}

// Post handles POST /imposters
func (ic *ImpostersController) Post(w http.ResponseWriter, r *http.Request) {
	var config models.ImposterConfig
	if err := decodeBody(r, &config); err != nil {
		writeError(w, err)
		return
	}

	result := ic.factory.Validate(r.Context(), &config)
	if !result.IsValid {
		ic.logger.Warnf("error creating imposter: %s", util.ToJSON(result.Errors))
		writeErrors(w, http.StatusBadRequest, result.Errors)
		return
	}

	imposter, err := ic.factory.Create(r.Context(), &config)
	if err != nil {
		ic.logger.Errorf("Error creating imposter: %v", err)
		writeError(w, err)
		return
	}
	if err := ic.repository.Add(imposter); err != nil {
		_ = imposter.Stop()
		writeError(w, err)
		return
	}

	info, err := imposter.ToJSON(models.ToJSONOptions{BaseURL: baseURL(r)})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("%s/imposters/%d", baseURL(r), imposter.Port()))
	writeJSON(w, http.StatusCreated, info)
}

// Delete handles DELETE /imposters
func (ic *ImpostersController) Delete(w http.ResponseWriter, r *http.Request) {
	list, err := renderAll(ic.repository.GetAll(), models.ToJSONOptions{
		Replayable:    queryFlag(r, "replayable", true),
		RemoveProxies: queryFlag(r, "removeProxies", false),
		BaseURL:       baseURL(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := ic.repository.DeleteAll(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"imposters": list})
}

// Put handles PUT /imposters, replacing every imposter once all new
// configurations validate
func (ic *ImpostersController) Put(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}

	configs, err := parseImposterList(body)
	if err != nil {
		writeError(w, err)
		return
	}

	var errs []*util.MountebankError
	for i := range configs {
		result := ic.factory.Validate(r.Context(), &configs[i])
		errs = append(errs, result.Errors...)
	}
	if len(errs) > 0 {
		writeErrors(w, http.StatusBadRequest, errs)
		return
	}

	if _, err := ic.repository.DeleteAll(); err != nil {
		writeError(w, err)
		return
	}

	imposters := make([]*models.Imposter, 0, len(configs))
	for i := range configs {
		imposter, err := ic.factory.Create(r.Context(), &configs[i])
		if err != nil {
			ic.logger.Errorf("Error creating imposter: %v", err)
			writeError(w, err)
			return
		}
		if err := ic.repository.Add(imposter); err != nil {
			_ = imposter.Stop()
			writeError(w, err)
			return
		}
		imposters = append(imposters, imposter)
	}

	list, err := renderAll(imposters, models.ToJSONOptions{List: true, BaseURL: baseURL(r)})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"imposters": list})
}

// parseImposterList accepts {"imposters": [...]} or a bare array
func parseImposterList(body []byte) ([]models.ImposterConfig, error) {
	var configs []models.ImposterConfig

	trimmed := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var wrapped struct {
			Imposters []models.ImposterConfig `json:"imposters"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, util.NewValidationError("Unable to parse body as JSON", err.Error())
		}
		configs = wrapped.Imposters
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(body, &configs); err != nil {
			return nil, util.NewValidationError("Unable to parse body as JSON", err.Error())
		}
	default:
		return nil, util.NewValidationError("body must be an object or an array", trimmed)
	}
	return configs, nil
}
