package pipelines

import (
	"embed"
	"sort"
	"strings"

	"github.com/tyemirov/conveyor/internal/pipeline"
)

//go:embed presets/*.yaml
var embeddedPipelinePresets embed.FS

// PresetMetadata describes an embedded pipeline.
type PresetMetadata struct {
	Name        string
	Description string
}

// PresetCatalog loads embedded pipeline presets.
type PresetCatalog interface {
	List() []PresetMetadata
	Load(name string) (pipeline.Definition, bool, error)
}

type presetDefinition struct {
	Name        string
	Description string
	FileName    string
}

var embeddedPresetDefinitions = []presetDefinition{
	{
		Name:        "rust-release",
		Description: "Check, measure coverage and audit licenses, then tag and publish a crate to crates.io.",
		FileName:    "presets/rust-release.yaml",
	},
}

type embeddedPresetCatalog struct {
	files       embed.FS
	definitions []presetDefinition
}

// NewEmbeddedPresetCatalog constructs a PresetCatalog backed by embedded YAML definitions.
func NewEmbeddedPresetCatalog() PresetCatalog {
	return &embeddedPresetCatalog{
		files:       embeddedPipelinePresets,
		definitions: embeddedPresetDefinitions,
	}
}

func (catalog *embeddedPresetCatalog) List() []PresetMetadata {
	if catalog == nil || len(catalog.definitions) == 0 {
		return nil
	}

	metadata := make([]PresetMetadata, 0, len(catalog.definitions))
	for index := range catalog.definitions {
		definition := catalog.definitions[index]
		metadata = append(metadata, PresetMetadata{
			Name:        definition.Name,
			Description: definition.Description,
		})
	}

	sort.Slice(metadata, func(firstIndex int, secondIndex int) bool {
		return metadata[firstIndex].Name < metadata[secondIndex].Name
	})

	return metadata
}

func (catalog *embeddedPresetCatalog) Load(name string) (pipeline.Definition, bool, error) {
	if catalog == nil {
		return pipeline.Definition{}, false, nil
	}

	for index := range catalog.definitions {
		definition := catalog.definitions[index]
		if !strings.EqualFold(strings.TrimSpace(name), definition.Name) {
			continue
		}

		content, readError := catalog.files.ReadFile(definition.FileName)
		if readError != nil {
			return pipeline.Definition{}, true, readError
		}

		parsed, parseError := pipeline.ParseDefinition(content)
		if parseError != nil {
			return pipeline.Definition{}, true, parseError
		}

		return parsed, true, nil
	}

	return pipeline.Definition{}, false, nil
}
