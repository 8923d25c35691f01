package fsm

import (
	"context"

	"github.com/hashicorp/go-memdb"
)

// setStarted marks the run as running so Wait and Active observe it.
func setStarted[R, W any](db *memdb.MemDB) Initializer[R, W] {
	return func(ctx context.Context, req *Request[R, W]) context.Context {
		var (
			logger = req.Log()
			rs     = runState{
				Run:   req.Run(),
				State: RunStateRunning,
			}
			txn = db.Txn(true)
		)
		defer txn.Abort()

		if err := txn.Insert(fsmTable, rs); err != nil {
			logger.WithError(err).Error("failed to update fsm state store")
			return ctx
		}
		txn.Commit()

		return ctx
	}
}
