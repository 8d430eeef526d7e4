package memoize

import (
	"path/filepath"
	"strings"
)

// Substitute rewrites the %(name)s placeholders in argv per §4.3
// "Substitution": one placeholder per named input, plus the two special
// names "output" and "build_signature". Paths are rewritten to absolute
// form, since substitution happens just before each command is invoked and
// the command's working directory is a scratch directory the caller
// doesn't control the layout of.
func Substitute(argv []string, inputs Inputs, outputDir, signature string) ([]string, error) {
	values := make(map[string]string, len(inputs)+2)
	for name, path := range inputs {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		values[name] = abs
	}
	absOutput, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	values["output"] = absOutput
	values["build_signature"] = signature

	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = substituteOne(arg, values)
	}
	return out, nil
}

func substituteOne(arg string, values map[string]string) string {
	for name, value := range values {
		arg = strings.ReplaceAll(arg, "%("+name+")s", value)
	}
	return arg
}
