package tools

import (
	"encoding/json"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/leapstack-labs/leapgate/pkg/core"
)

// SearchRequest holds catalog.search arguments.
type SearchRequest struct {
	Query string `mapstructure:"query"`
	TopK  int    `mapstructure:"topK"`
}

// ExecuteRequest holds query.execute arguments.
type ExecuteRequest struct {
	ProcedureName  string         `mapstructure:"procedureName"`
	Params         map[string]any `mapstructure:"params"`
	TimeoutSeconds float64        `mapstructure:"timeoutSeconds"`
}

// RunRequest holds analytics.run arguments.
type RunRequest struct {
	DatasetID     string           `mapstructure:"datasetId"`
	Pipeline      []map[string]any `mapstructure:"pipeline"`
	TopN          int              `mapstructure:"topN"`
	PersistResult bool             `mapstructure:"persistResult"`
}

// decodeArgs decodes loose arguments into a typed request. Unknown keys and
// values of the wrong shape are invalid_request errors.
func decodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return core.NewToolError(core.CodeInvalidRequest, "invalid arguments: %s", flatten(err)).
			WithCause(err)
	}
	return nil
}

func flatten(err error) string {
	return strings.Join(strings.Split(err.Error(), "\n"), "; ")
}

func missingArgument(name string) *core.ToolError {
	return core.NewToolError(core.CodeInvalidRequest, "%s is required", name).
		WithDetail("argument", name)
}

// plainNumbers replaces json.Number values with int64 when integral and
// float64 otherwise, so drivers and the analytics engine see native types.
func plainNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plainNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainNumbers(e)
		}
		return out
	default:
		return v
	}
}
