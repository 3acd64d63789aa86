package models

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Behavior stages, in execution order
const (
	BehaviorWait           = "wait"
	BehaviorCopy           = "copy"
	BehaviorLookup         = "lookup"
	BehaviorShellTransform = "shellTransform"
	BehaviorDecorate       = "decorate"
	BehaviorRepeat         = "repeat"
)

var behaviorOrder = []string{BehaviorWait, BehaviorCopy, BehaviorLookup, BehaviorShellTransform, BehaviorDecorate}

// BehaviorPipeline post-processes resolved responses
type BehaviorPipeline struct {
	ec *ExecutionContext
}

// NewBehaviorPipeline creates a pipeline for one imposter
func NewBehaviorPipeline(ec *ExecutionContext) *BehaviorPipeline {
	return &BehaviorPipeline{ec: ec}
}

// Execute validates behaviors, then applies them stage by stage in the fixed
// order wait, copy, lookup, shellTransform, decorate. Several behaviors of
// the same stage run in array order. Cancelling ctx does not interrupt a
// pipeline that has started.
func (bp *BehaviorPipeline) Execute(ctx context.Context, request *Request, response *Response, behaviors []Behavior) (*Response, error) {
	if len(behaviors) == 0 {
		return response, nil
	}
	ctx = context.WithoutCancel(ctx)
	if errs := ValidateBehaviors(behaviors); len(errs) > 0 {
		return nil, errs[0]
	}

	result := response
	for _, stage := range behaviorOrder {
		for i := range behaviors {
			start := time.Now()
			next, ran, err := bp.runStage(ctx, stage, request, result, &behaviors[i])
			if err != nil {
				return nil, err
			}
			if ran {
				metrics.BehaviorDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
			}
			result = next
		}
	}
	return result, nil
}

func (bp *BehaviorPipeline) runStage(ctx context.Context, stage string, request *Request, response *Response, behavior *Behavior) (*Response, bool, error) {
	switch stage {
	case BehaviorWait:
		if behavior.Wait == nil {
			return response, false, nil
		}
		return response, true, bp.wait(request, behavior.Wait)
	case BehaviorCopy:
		if len(behavior.Copy) == 0 {
			return response, false, nil
		}
		result := response
		for _, config := range behavior.Copy {
			next, err := bp.copy(request, result, config)
			if err != nil {
				return nil, true, err
			}
			result = next
		}
		return result, true, nil
	case BehaviorLookup:
		if len(behavior.Lookup) == 0 {
			return response, false, nil
		}
		result := response
		for _, config := range behavior.Lookup {
			next, err := bp.lookup(request, result, config)
			if err != nil {
				return nil, true, err
			}
			result = next
		}
		return result, true, nil
	case BehaviorShellTransform:
		if len(behavior.ShellTransform) == 0 || request.IsDryRun {
			return response, false, nil
		}
		result := response
		for _, command := range behavior.ShellTransform {
			next, err := runShellTransform(ctx, command, request, result, bp.ec.Logger)
			if err != nil {
				return nil, true, err
			}
			result = next
		}
		return result, true, nil
	case BehaviorDecorate:
		if behavior.Decorate == "" {
			return response, false, nil
		}
		decorated, err := bp.ec.scripts().Decorate(behavior.Decorate, request, response)
		return decorated, true, err
	}
	return response, false, nil
}

// wait delays by a fixed number of milliseconds or by the result of a
// wait function. Dry runs never wait.
func (bp *BehaviorPipeline) wait(request *Request, wait interface{}) error {
	if request.IsDryRun {
		return nil
	}

	var millis int64
	switch value := wait.(type) {
	case float64:
		millis = int64(value)
	case int:
		millis = int64(value)
	case int64:
		millis = value
	case string:
		computed, err := bp.ec.scripts().WaitMillis(value)
		if err != nil {
			return err
		}
		millis = computed
	}
	if millis <= 0 {
		return nil
	}

	time.Sleep(time.Duration(millis) * time.Millisecond)
	return nil
}

// copy substitutes values selected from the request into every string of
// the response. Selectors that match nothing leave the response alone.
func (bp *BehaviorPipeline) copy(request *Request, response *Response, config CopyBehavior) (*Response, error) {
	from := valueAsString(getFrom(request.Document(), config.From))
	values, err := selectValues(config.Using, from)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		bp.ec.Logger.Warnf("No match for %q using %s, leaving %s unchanged", from, util.ToJSON(config.Using), config.Into)
		return response, nil
	}
	bp.ec.Logger.Debugf("Copying %s into %s", util.ToJSON(values), config.Into)
	return transformResponse(response, func(text string) string {
		return replaceIndexedTokens(text, config.Into, values)
	})
}

// replaceIndexedTokens replaces TOKEN[n] with the n-th value and a bare
// TOKEN with the first.
func replaceIndexedTokens(text, token string, values []string) string {
	if !strings.Contains(text, token) {
		return text
	}
	for i, value := range values {
		text = strings.ReplaceAll(text, fmt.Sprintf("%s[%d]", token, i), value)
	}
	return strings.ReplaceAll(text, token, values[0])
}

// lookup replaces TOKEN[column] with the columns of the data source row
// keyed by a value selected from the request. Missing files and keys are
// logged and leave the response unchanged.
func (bp *BehaviorPipeline) lookup(request *Request, response *Response, config LookupBehavior) (*Response, error) {
	from := valueAsString(getFrom(request.Document(), config.Key.From))
	values, err := selectValues(config.Key.Using, from)
	if err != nil {
		return nil, err
	}
	if config.Key.Index >= len(values) {
		bp.ec.Logger.Warnf("No match for %q using %s, leaving %s unchanged", from, util.ToJSON(config.Key.Using), config.Into)
		return response, nil
	}
	key := values[config.Key.Index]

	if config.FromDataSource.CSV == nil {
		return response, nil
	}
	row, err := bp.csvRow(config.FromDataSource.CSV, key)
	if err != nil {
		bp.ec.Logger.Error(err.Error())
		return response, nil
	}

	return transformResponse(response, func(text string) string {
		if !strings.Contains(text, config.Into) {
			return text
		}
		for column, value := range row {
			for _, form := range []string{`%s["%s"]`, `%s['%s']`, `%s[%s]`} {
				text = strings.ReplaceAll(text, fmt.Sprintf(form, config.Into, column), value)
			}
		}
		return text
	})
}

func (bp *BehaviorPipeline) csvRow(source *CSVDataSource, key string) (map[string]string, error) {
	path := source.Path
	if !filepath.IsAbs(path) && bp.ec.DataRoot != "" {
		path = filepath.Join(bp.ec.DataRoot, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", source.Path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	if source.Delimiter != "" {
		reader.Comma, _ = utf8.DecodeRuneInString(source.Delimiter)
	}

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("cannot read header of %s: %w", source.Path, err)
	}
	keyIndex := -1
	for i, column := range header {
		header[i] = strings.TrimSpace(column)
		if header[i] == source.KeyColumn {
			keyIndex = i
		}
	}
	if keyIndex < 0 {
		return nil, fmt.Errorf("column %s not found in %s", source.KeyColumn, source.Path)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse %s: %w", source.Path, err)
		}
		if keyIndex < len(record) && strings.TrimSpace(record[keyIndex]) == key {
			row := make(map[string]string, len(header))
			for i, column := range header {
				if i < len(record) {
					row[column] = strings.TrimSpace(record[i])
				}
			}
			return row, nil
		}
	}
	return nil, fmt.Errorf("row not found for key %s in %s", key, source.Path)
}
