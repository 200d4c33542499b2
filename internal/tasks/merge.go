package tasks

import (
	"strings"

	"github.com/fgateway/fgapiserver/internal/models"
)

// Application parameters whose values name files the executor captures.
const (
	ParamJobOutput = "jobdesc_output"
	ParamJobError  = "jobdesc_error"
)

// MergeInputFiles combines the files an application declares with the
// input files of a task request.
//
// Every declared file is kept, in declaration order, with its declared
// path. A requested file with the name of a declared file never adds a row:
// if the declared file overrides, the request is dropped and the declared
// path wins; otherwise the declared row's path is cleared so the client
// must upload it, and the path hint of the request is discarded. Requested
// files not declared are appended with no path.
func MergeInputFiles(declared []models.AppFile, requested []models.TaskFile) []models.TaskFile {
	merged := make([]models.TaskFile, 0, len(declared)+len(requested))
	index := make(map[string]int, len(declared)+len(requested))
	overrides := make(map[string]bool, len(declared))
	for _, f := range declared {
		if _, ok := index[f.Name]; ok {
			continue
		}
		index[f.Name] = len(merged)
		overrides[f.Name] = f.Override
		merged = append(merged, models.TaskFile{Name: f.Name, Path: f.Path})
	}
	for _, f := range requested {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		pos, ok := index[name]
		if !ok {
			index[name] = len(merged)
			merged = append(merged, models.TaskFile{Name: name})
			continue
		}
		if override, isDeclared := overrides[name]; isDeclared && !override {
			merged[pos].Path = ""
		}
	}
	return merged
}

// OutputFiles returns the stdout/stderr names configured on the application
// followed by the requested outputs, without duplicates.
func OutputFiles(app models.Application, requested []string) []models.TaskFile {
	var names []string
	names = append(names, app.ParameterValues(ParamJobOutput)...)
	names = append(names, app.ParameterValues(ParamJobError)...)
	names = append(names, requested...)

	seen := make(map[string]struct{}, len(names))
	out := make([]models.TaskFile, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, models.TaskFile{Name: name})
	}
	return out
}
