package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/mountebank-testing/imposters/internal/util"
)

// runShellTransform runs one shellTransform command through the embedded
// shell interpreter. The command receives the request and response as JSON
// positional arguments and in MB_REQUEST / MB_RESPONSE; its stdout must be
// the new response JSON.
func runShellTransform(ctx context.Context, command string, request *Request, response *Response, logger *util.Logger) (*Response, error) {
	requestJSON := util.ToJSON(request.Document())
	responseJSON := util.ToJSON(responseToMap(response))

	quotedRequest, err := syntax.Quote(requestJSON, syntax.LangBash)
	if err != nil {
		return nil, util.NewInjectionError("Command failed", command, err.Error())
	}
	quotedResponse, err := syntax.Quote(responseJSON, syntax.LangBash)
	if err != nil {
		return nil, util.NewInjectionError("Command failed", command, err.Error())
	}
	script := fmt.Sprintf("%s %s %s", command, quotedRequest, quotedResponse)

	file, err := syntax.NewParser().Parse(strings.NewReader(script), "shellTransform")
	if err != nil {
		return nil, util.NewInjectionError("Command failed", command, err.Error())
	}

	env := append(os.Environ(), "MB_REQUEST="+requestJSON, "MB_RESPONSE="+responseJSON)
	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, &stdout, &stderr),
	)
	if err != nil {
		return nil, err
	}

	logger.Debugf("Shelling out to %s", command)
	if err := runner.Run(ctx, file); err != nil {
		logger.Errorf("Command %s exited with error: %v", command, err)
		if stderr.Len() > 0 {
			logger.Error(stderr.String())
		}
		if status, ok := interp.IsExitStatus(err); ok {
			return nil, util.NewInjectionError(fmt.Sprintf("Command %s exited with status %d", command, status), command, stderr.String())
		}
		return nil, util.NewInjectionError("Command failed", command, err.Error())
	}

	var transformed map[string]interface{}
	if err := json.Unmarshal(stdout.Bytes(), &transformed); err != nil || transformed == nil {
		return nil, util.NewInjectionError(fmt.Sprintf("Shell command returned invalid JSON: '%s'", stdout.String()), command, nil)
	}
	out, err := responseFromMap(transformed)
	if err != nil {
		return nil, util.NewInjectionError(fmt.Sprintf("Shell command returned invalid JSON: '%s'", stdout.String()), command, nil)
	}
	return out, nil
}
