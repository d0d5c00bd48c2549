package flags

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

const (
	toggleFlagTypeConstant             = "bool"
	toggleTrueLiteralConstant          = "true"
	toggleInvalidValueTemplateConstant = "invalid toggle value %q"
	choiceUsageTemplateConstant        = "%s (one of: %s; default %s)"
	choiceSeparatorConstant            = ", "
)

type toggleValue struct {
	target *bool
}

// AddToggleFlag registers a boolean flag accepting true/false, yes/no, and on/off, usable without a value.
func AddToggleFlag(flagSet *pflag.FlagSet, target *bool, name string, shorthand string, defaultValue bool, usage string) {
	if flagSet == nil || len(name) == 0 || flagSet.Lookup(name) != nil {
		return
	}
	if target == nil {
		target = new(bool)
	}
	*target = defaultValue

	flag := flagSet.VarPF(&toggleValue{target: target}, name, shorthand, usage)
	flag.NoOptDefVal = toggleTrueLiteralConstant
	flag.DefValue = strconv.FormatBool(defaultValue)
}

func (value *toggleValue) String() string {
	if value == nil || value.target == nil {
		return strconv.FormatBool(false)
	}
	return strconv.FormatBool(*value.target)
}

func (value *toggleValue) Set(raw string) error {
	parsedValue, parseError := parseToggleValue(raw)
	if parseError != nil {
		return parseError
	}
	*value.target = parsedValue
	return nil
}

func (value *toggleValue) Type() string {
	return toggleFlagTypeConstant
}

func parseToggleValue(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "true", "t", "1", "yes", "y", "on":
		return true, nil
	case "false", "f", "0", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf(toggleInvalidValueTemplateConstant, raw)
	}
}

// FormatChoiceUsage appends the accepted choices and default to a flag usage string.
func FormatChoiceUsage(defaultValue string, choices []string, usage string) string {
	return fmt.Sprintf(choiceUsageTemplateConstant, usage, strings.Join(choices, choiceSeparatorConstant), defaultValue)
}
