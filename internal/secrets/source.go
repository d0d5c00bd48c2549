// Package secrets collects the named credentials a run may use.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

const environmentFileReadTemplateConstant = "failed to read secrets file %s: %w"

// Source reads secrets from an optional dotenv file and the process environment.
// Only configured names are taken from the environment; a dotenv file contributes all of its keys.
type Source struct {
	environmentFile string
	names           []string
	lookup          func(string) (string, bool)
}

// SourceOption customizes a Source.
type SourceOption func(*Source)

// WithLookup replaces os.LookupEnv, mainly for tests.
func WithLookup(lookup func(string) (string, bool)) SourceOption {
	return func(source *Source) {
		if lookup != nil {
			source.lookup = lookup
		}
	}
}

// NewSource builds a Source. An empty environment file disables file loading.
func NewSource(environmentFile string, names []string, options ...SourceOption) *Source {
	trimmedNames := make([]string, 0, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); len(trimmed) > 0 {
			trimmedNames = append(trimmedNames, trimmed)
		}
	}
	source := &Source{
		environmentFile: strings.TrimSpace(environmentFile),
		names:           trimmedNames,
		lookup:          os.LookupEnv,
	}
	for _, option := range options {
		option(source)
	}
	return source
}

// Load returns the available secrets. Environment values win over the file; empty values are dropped.
// A missing environment file is not an error.
func (source *Source) Load() (map[string]string, error) {
	values := make(map[string]string)
	if len(source.environmentFile) > 0 {
		fileValues, readError := godotenv.Read(source.environmentFile)
		if readError != nil && !errors.Is(readError, fs.ErrNotExist) {
			return nil, fmt.Errorf(environmentFileReadTemplateConstant, source.environmentFile, readError)
		}
		for name, value := range fileValues {
			if len(value) > 0 {
				values[name] = value
			}
		}
	}
	for _, name := range source.names {
		if value, present := source.lookup(name); present && len(value) > 0 {
			values[name] = value
		}
	}
	return values, nil
}

// Overlay returns base with overrides applied. Empty override values remove the secret.
func Overlay(base map[string]string, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for name, value := range base {
		merged[name] = value
	}
	for name, value := range overrides {
		if len(value) == 0 {
			delete(merged, name)
			continue
		}
		merged[name] = value
	}
	return merged
}

// Names lists the secret names without exposing values.
func Names(values map[string]string) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
