package reason

import (
	"github.com/roach88/pulse/internal/engine"
	"github.com/roach88/pulse/internal/model"
)

// Register adds the reason analyzers to reg: machine and global reason
// associations, and machine context changes.
func Register(reg *engine.Registry, cons *Consolidator, resolvers *Resolvers) error {
	analyzers := []struct {
		typ string
		a   engine.Analyzer
	}{
		{model.TypeReasonMachineAssociation, NewAssociationAnalyzer(cons, resolvers)},
		{model.TypeGlobalReasonAssociation, GlobalAssociationAnalyzer{}},
		{model.TypeMachineContextChange, NewContextChangeAnalyzer(cons)},
	}
	for _, entry := range analyzers {
		if err := reg.Register(entry.typ, entry.a); err != nil {
			return err
		}
	}
	return nil
}
