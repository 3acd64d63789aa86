package controllers

import (
	"net/http"
	"strconv"

	"github.com/mountebank-testing/imposters/internal/util"
)

// LogsController serves the captured log entries
type LogsController struct {
	logger *util.Logger
}

// NewLogsController creates a new logs controller
func NewLogsController(logger *util.Logger) *LogsController {
	return &LogsController{logger: logger}
}

// Get handles GET /logs?startIndex=n&endIndex=m, both bounds inclusive
func (lc *LogsController) Get(w http.ResponseWriter, r *http.Request) {
	start := intParam(r, "startIndex", 0)
	end := intParam(r, "endIndex", -1)
	if end >= 0 {
		end++
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": lc.logger.GetEntries(start, end),
	})
}

func intParam(r *http.Request, name string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return value
}
