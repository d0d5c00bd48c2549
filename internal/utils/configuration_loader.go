package utils

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	embeddedConfigurationErrorTemplateConstant = "unable to read embedded configuration: %w"
	configurationFileErrorTemplateConstant     = "unable to read configuration file %s: %w"
	configurationDecodeErrorTemplateConstant   = "unable to decode configuration: %w"
	configurationTargetMissingErrorConstant    = "configuration target is required"
	environmentKeySeparatorConstant            = "_"
	configurationKeySeparatorConstant          = "."
	sliceSeparatorConstant                     = ","
)

// LoadedConfiguration describes where the effective configuration came from.
type LoadedConfiguration struct {
	ConfigFileUsed string
}

// ConfigurationLoader layers defaults, embedded configuration, a configuration file, and environment overrides.
type ConfigurationLoader struct {
	configurationName         string
	configurationType         string
	environmentPrefix         string
	searchPaths               []string
	embeddedConfigurationData []byte
	embeddedConfigurationType string
}

// NewConfigurationLoader constructs a loader searching the provided directories in order.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	return &ConfigurationLoader{
		configurationName: configurationName,
		configurationType: configurationType,
		environmentPrefix: environmentPrefix,
		searchPaths:       append([]string{}, searchPaths...),
	}
}

// SetEmbeddedConfiguration registers configuration content applied above defaults and below files.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(configurationData []byte, configurationType string) {
	loader.embeddedConfigurationData = append([]byte{}, configurationData...)
	loader.embeddedConfigurationType = configurationType
}

// LoadConfiguration resolves the layered configuration and decodes it into target.
func (loader *ConfigurationLoader) LoadConfiguration(configurationFilePath string, defaultValues map[string]any, target any) (LoadedConfiguration, error) {
	if target == nil {
		return LoadedConfiguration{}, errors.New(configurationTargetMissingErrorConstant)
	}

	viperInstance := viper.New()
	for key, value := range defaultValues {
		viperInstance.SetDefault(key, value)
	}

	if len(loader.embeddedConfigurationData) > 0 {
		embeddedType := loader.embeddedConfigurationType
		if len(embeddedType) == 0 {
			embeddedType = loader.configurationType
		}
		viperInstance.SetConfigType(embeddedType)
		if mergeError := viperInstance.MergeConfig(bytes.NewReader(loader.embeddedConfigurationData)); mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(embeddedConfigurationErrorTemplateConstant, mergeError)
		}
	}

	resolvedFilePath := strings.TrimSpace(configurationFilePath)
	if len(resolvedFilePath) == 0 {
		resolvedFilePath = loader.searchConfigurationFile()
	}

	if len(resolvedFilePath) > 0 {
		viperInstance.SetConfigFile(resolvedFilePath)
		viperInstance.SetConfigType(loader.fileType(resolvedFilePath))
		if mergeError := viperInstance.MergeInConfig(); mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(configurationFileErrorTemplateConstant, resolvedFilePath, mergeError)
		}
	}

	if len(loader.environmentPrefix) > 0 {
		viperInstance.SetEnvPrefix(loader.environmentPrefix)
	}
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(configurationKeySeparatorConstant, environmentKeySeparatorConstant))
	viperInstance.AutomaticEnv()

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(sliceSeparatorConstant),
	))
	if decodeError := viperInstance.Unmarshal(target, decodeHook); decodeError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationDecodeErrorTemplateConstant, decodeError)
	}

	return LoadedConfiguration{ConfigFileUsed: resolvedFilePath}, nil
}

func (loader *ConfigurationLoader) searchConfigurationFile() string {
	fileName := loader.configurationName + configurationKeySeparatorConstant + loader.configurationType
	for _, searchPath := range loader.searchPaths {
		trimmedPath := strings.TrimSpace(searchPath)
		if len(trimmedPath) == 0 {
			continue
		}
		candidatePath := filepath.Join(trimmedPath, fileName)
		fileInfo, statError := os.Stat(candidatePath)
		if statError != nil || fileInfo.IsDir() {
			continue
		}
		return candidatePath
	}
	return ""
}

func (loader *ConfigurationLoader) fileType(configurationFilePath string) string {
	extension := strings.TrimPrefix(filepath.Ext(configurationFilePath), configurationKeySeparatorConstant)
	if len(extension) == 0 {
		return loader.configurationType
	}
	return strings.ToLower(extension)
}
