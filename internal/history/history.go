// Package history ships finished workflow executions to long-term stores:
// ClickHouse for queryable history and S3 for compressed archives. Both run
// as signal bus subscribers so execution never waits on them.
package history

import (
	"fmt"

	"automation-engine/internal/signal"
	"automation-engine/internal/workflow"
)

// executionFrom extracts the execution carried by a workflow.executed signal.
func executionFrom(sig signal.Signal) (*workflow.Execution, error) {
	switch p := sig.Payload.(type) {
	case *workflow.Execution:
		if p == nil {
			return nil, fmt.Errorf("signal %s has a nil execution", sig.ID)
		}
		return p, nil
	case workflow.Execution:
		return &p, nil
	default:
		return nil, fmt.Errorf("signal %s: unexpected payload %T", sig.ID, sig.Payload)
	}
}
