package converter

import (
	"path/filepath"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{\{\s*([a-z_]+)\s*\}\}`)

// Variables available for substitution in the converter command
type Variables struct {
	InputPath string
	OutputDir string
	FileName  string
	FileBase  string
	FileExt   string
}

// GetVariables extracts variables from an input path and output directory
func GetVariables(inputPath, outputDir string) Variables {
	fileName := filepath.Base(inputPath)
	fileExt := filepath.Ext(fileName)

	return Variables{
		InputPath: inputPath,
		OutputDir: outputDir,
		FileName:  fileName,
		FileBase:  strings.TrimSuffix(fileName, fileExt),
		FileExt:   fileExt,
	}
}

func (v Variables) lookup(name string) (string, bool) {
	switch name {
	case "input_path":
		return v.InputPath, true
	case "output_dir":
		return v.OutputDir, true
	case "file_name":
		return v.FileName, true
	case "file_base":
		return v.FileBase, true
	case "file_ext":
		return v.FileExt, true
	}
	return "", false
}

// SubstituteVariables replaces ${{ name }} placeholders in a string. Unknown names are kept.
func SubstituteVariables(template string, vars Variables) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if value, ok := vars.lookup(name); ok {
			return value
		}
		return m
	})
}

// BuildArgs splits a command template into argv before substituting, so paths with
// spaces stay a single argument.
func BuildArgs(template string, vars Variables) []string {
	// collapse "${{ name }}" to "${{name}}" so splitting on spaces keeps it whole
	compact := placeholder.ReplaceAllString(template, "$${{$1}}")
	fields := strings.Fields(compact)
	args := make([]string, 0, len(fields))
	for _, field := range fields {
		args = append(args, SubstituteVariables(field, vars))
	}
	return args
}
