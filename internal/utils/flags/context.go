package flags

import "github.com/spf13/cobra"

const (
	// KindFlagName exposes the shared trigger kind flag name.
	KindFlagName = "kind"
	// KindFlagUsage describes the shared trigger kind flag purpose.
	KindFlagUsage = "Trigger kind"
	// RefFlagName exposes the shared trigger ref flag name.
	RefFlagName = "ref"
	// RefFlagUsage describes the shared trigger ref flag purpose.
	RefFlagUsage = "Git ref the trigger refers to (refs/heads/..., refs/tags/..., refs/pull/...)"
	// InputFlagName exposes the shared trigger input flag name.
	InputFlagName = "input"
	// InputFlagUsage describes the shared trigger input flag purpose.
	InputFlagUsage = "Trigger input as key=value (repeatable)"
	// SecretFlagName exposes the shared secret flag name.
	SecretFlagName = "secret"
	// SecretFlagUsage describes the shared secret flag purpose.
	SecretFlagUsage = "Secret as NAME=value, or NAME to read it from the environment (repeatable)"
)

// TriggerFlagDefinition captures configuration for a single trigger flag.
type TriggerFlagDefinition struct {
	Name    string
	Usage   string
	Enabled bool
}

// TriggerFlagDefinitions groups trigger flag definitions.
type TriggerFlagDefinitions struct {
	Kind    TriggerFlagDefinition
	Ref     TriggerFlagDefinition
	Inputs  TriggerFlagDefinition
	Secrets TriggerFlagDefinition
}

// TriggerFlagValues stores trigger flag values.
type TriggerFlagValues struct {
	Kind    string
	Ref     string
	Inputs  []string
	Secrets []string
}

// DefaultTriggerFlagDefinitions enables every trigger flag with its shared name and usage.
func DefaultTriggerFlagDefinitions() TriggerFlagDefinitions {
	return TriggerFlagDefinitions{
		Kind:    TriggerFlagDefinition{Name: KindFlagName, Usage: KindFlagUsage, Enabled: true},
		Ref:     TriggerFlagDefinition{Name: RefFlagName, Usage: RefFlagUsage, Enabled: true},
		Inputs:  TriggerFlagDefinition{Name: InputFlagName, Usage: InputFlagUsage, Enabled: true},
		Secrets: TriggerFlagDefinition{Name: SecretFlagName, Usage: SecretFlagUsage, Enabled: true},
	}
}

// BindTriggerFlags attaches trigger flags to the provided command.
func BindTriggerFlags(command *cobra.Command, defaults TriggerFlagValues, definitions TriggerFlagDefinitions) *TriggerFlagValues {
	values := TriggerFlagValues{
		Kind:    defaults.Kind,
		Ref:     defaults.Ref,
		Inputs:  append([]string{}, defaults.Inputs...),
		Secrets: append([]string{}, defaults.Secrets...),
	}
	if command == nil {
		return &values
	}

	flagSet := command.Flags()
	if definitions.Kind.Enabled && len(definitions.Kind.Name) > 0 && flagSet.Lookup(definitions.Kind.Name) == nil {
		flagSet.StringVar(&values.Kind, definitions.Kind.Name, values.Kind, definitions.Kind.Usage)
	}
	if definitions.Ref.Enabled && len(definitions.Ref.Name) > 0 && flagSet.Lookup(definitions.Ref.Name) == nil {
		flagSet.StringVar(&values.Ref, definitions.Ref.Name, values.Ref, definitions.Ref.Usage)
	}
	if definitions.Inputs.Enabled && len(definitions.Inputs.Name) > 0 && flagSet.Lookup(definitions.Inputs.Name) == nil {
		flagSet.StringArrayVar(&values.Inputs, definitions.Inputs.Name, values.Inputs, definitions.Inputs.Usage)
	}
	if definitions.Secrets.Enabled && len(definitions.Secrets.Name) > 0 && flagSet.Lookup(definitions.Secrets.Name) == nil {
		flagSet.StringArrayVar(&values.Secrets, definitions.Secrets.Name, values.Secrets, definitions.Secrets.Usage)
	}

	return &values
}
