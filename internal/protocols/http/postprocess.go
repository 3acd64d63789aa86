package http

import (
	"encoding/json"
	"strings"

	"github.com/mountebank-testing/imposters/internal/models"
)

func baseDefaultResponse() *models.Response {
	return &models.Response{
		StatusCode: 200,
		Headers:    map[string]interface{}{"Connection": "close"},
		Body:       "",
	}
}

// PostProcessor returns the hook that fills in HTTP defaults. Fields the
// imposter's defaultResponse sets win over the built-in defaults, and
// fields the stub response sets win over both.
func PostProcessor(defaultResponse *models.Response) models.PostProcessFunc {
	defaults := baseDefaultResponse()
	if defaultResponse != nil {
		if defaultResponse.StatusCode != 0 {
			defaults.StatusCode = defaultResponse.StatusCode
		}
		if defaultResponse.Headers != nil {
			defaults.Headers = defaultResponse.Headers
		}
		if defaultResponse.Body != nil {
			defaults.Body = defaultResponse.Body
		}
		defaults.Mode = defaultResponse.Mode
	}

	return func(response *models.Response, _ *models.Request) (*models.Response, error) {
		out := response.Clone()
		fallback := defaults.Clone()
		if out.StatusCode == 0 {
			out.StatusCode = fallback.StatusCode
		}
		if out.Headers == nil {
			out.Headers = fallback.Headers
		}
		if out.Headers == nil {
			out.Headers = map[string]interface{}{}
		}
		if out.Body == nil {
			out.Body = fallback.Body
			if out.Mode == "" {
				out.Mode = fallback.Mode
			}
		}
		if out.Body == nil {
			out.Body = ""
		}

		if _, isString := out.Body.(string); !isString {
			data, err := json.MarshalIndent(out.Body, "", "    ")
			if err != nil {
				return nil, err
			}
			out.Body = string(data)
			if !hasHeader(out.Headers, "Content-Type") {
				out.Headers["Content-Type"] = "application/json"
			}
		}
		return out, nil
	}
}

func hasHeader(headers map[string]interface{}, name string) bool {
	for key := range headers {
		if strings.EqualFold(key, name) {
			return true
		}
	}
	return false
}
