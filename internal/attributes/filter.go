package attributes

import (
	"fmt"

	"github.com/mrzor/udplat/internal/record"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"
)

// Filter decides whether a record is emitted.
type Filter struct {
	program *vm.Program
	rawExpr string
}

// NewFilter compiles a boolean expression. An empty expression matches everything.
func NewFilter(exprStr string) (*Filter, error) {
	if exprStr == "" {
		return &Filter{}, nil
	}

	program, err := expr.Compile(exprStr, expr.Env(typeEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}

	return &Filter{program: program, rawExpr: exprStr}, nil
}

// Match reports whether r passes the filter. Evaluation errors drop the record.
func (f *Filter) Match(r *record.LatencyRecord) bool {
	if f.program == nil {
		return true
	}

	out, err := expr.Run(f.program, recordEnv(r))
	if err != nil {
		log.Warnf("filter %q failed for pid %d: %v", f.rawExpr, r.PID, err)
		return false
	}
	keep, _ := out.(bool)
	return keep
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.rawExpr
}
