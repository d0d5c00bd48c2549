package taskrunner

const (
	publishModeNoneConstant   = "none"
	publishModeRealConstant   = "real"
	publishModeDryRunConstant = "dry-run"
)

// PublishModeKind distinguishes real publication from a rehearsal.
type PublishModeKind string

// Publish mode kinds.
const (
	PublishModeNone   PublishModeKind = PublishModeKind(publishModeNoneConstant)
	PublishModeReal   PublishModeKind = PublishModeKind(publishModeRealConstant)
	PublishModeDryRun PublishModeKind = PublishModeKind(publishModeDryRunConstant)
)

// PublishMode is resolved once per job from its credential secret.
// Real carries the credential; DryRun carries none.
type PublishMode struct {
	kind       PublishModeKind
	secretName string
	credential string
}

// RealPublish selects real publication with the given credential.
func RealPublish(secretName string, credential string) PublishMode {
	return PublishMode{kind: PublishModeReal, secretName: secretName, credential: credential}
}

// DryRunPublish selects a rehearsal because the named secret is absent.
func DryRunPublish(secretName string) PublishMode {
	return PublishMode{kind: PublishModeDryRun, secretName: secretName}
}

// Kind reports the mode kind; the zero value reports PublishModeNone.
func (mode PublishMode) Kind() PublishModeKind {
	if len(mode.kind) == 0 {
		return PublishModeNone
	}
	return mode.kind
}

// Gated reports whether the job was gated on a credential at all.
func (mode PublishMode) Gated() bool { return mode.Kind() != PublishModeNone }

// IsDryRun reports whether the job must not publish for real.
func (mode PublishMode) IsDryRun() bool { return mode.Kind() == PublishModeDryRun }

// SecretName returns the name of the gating secret.
func (mode PublishMode) SecretName() string { return mode.secretName }

// Credential returns the credential of a real publish mode.
func (mode PublishMode) Credential() (string, bool) {
	if mode.Kind() != PublishModeReal {
		return "", false
	}
	return mode.credential, true
}

// String never includes the credential.
func (mode PublishMode) String() string { return string(mode.Kind()) }
