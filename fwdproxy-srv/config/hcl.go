package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// envFunc exposes env("NAME") to HCL files. Unset variables yield "".
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

func loadHCLFile(path string) (map[string]any, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return parseHCL(src, path)
}

// parseHCL evaluates every top-level attribute and returns the same
// map shape the JSON decoder produces.
func parseHCL(src []byte, filename string) (map[string]any, error) {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL config: %s", diags.Error())
	}

	evalCtx := &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		converted, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if converted != nil {
			data[name] = converted
		}
	}
	return data, nil
}

func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := val.Type()
	switch {
	case ty.Equals(cty.String):
		return val.AsString(), nil
	case ty.Equals(cty.Number):
		f, _ := val.AsBigFloat().Float64()
		return f, nil
	case ty.Equals(cty.Bool):
		return val.True(), nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, val.LengthInt())
		for _, elem := range val.AsValueSlice() {
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for key, elem := range val.AsValueMap() {
			converted, err := ctyToGo(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if converted != nil {
				out[key] = converted
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported HCL value type %s", ty.FriendlyName())
	}
}
