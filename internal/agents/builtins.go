package agents

import (
	"github.com/arenstad/conduit/internal/agent"
)

// Builtin type names as registered with the registry.
const (
	TypeClassifier = "classifier"
	TypeEnricher   = "enricher"
	TypeValidator  = "validator"
	TypeArchiver   = "archiver"
)

// RegisterBuiltins registers every built-in agent type. The archive
// store is optional; when nil the archiver type is left unregistered.
func RegisterBuiltins(reg *agent.Registry, archive RunArchive) error {
	if err := reg.RegisterType(TypeClassifier, NewClassifierFactory()); err != nil {
		return err
	}
	if err := reg.RegisterType(TypeEnricher, NewEnricherFactory()); err != nil {
		return err
	}
	if err := reg.RegisterType(TypeValidator, NewValidatorFactory()); err != nil {
		return err
	}
	if archive != nil {
		if err := reg.RegisterType(TypeArchiver, NewArchiverFactory(archive)); err != nil {
			return err
		}
	}
	return nil
}
