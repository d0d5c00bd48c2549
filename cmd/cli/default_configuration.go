package cli

import (
	_ "embed"
)

const embeddedConfigurationTypeConstant = "yaml"

//go:embed config.yaml
var embeddedDefaultConfiguration []byte

// EmbeddedDefaultConfiguration returns the configuration written by --init and layered beneath configuration files.
func EmbeddedDefaultConfiguration() ([]byte, string) {
	return append([]byte(nil), embeddedDefaultConfiguration...), embeddedConfigurationTypeConstant
}
