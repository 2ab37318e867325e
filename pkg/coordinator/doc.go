// Package coordinator hands work units to engine workers under fenced
// leases and applies operator overrides.
//
// Every unit moves pending -> processing -> completed or failed. A claim
// issues a fresh token; completion and failure reports must present the
// current token, so a worker whose lease expired and was reclaimed cannot
// overwrite the new holder's result.
//
//	c := coordinator.New(store, coordinator.WithGate(gate))
//	unit, err := c.ClaimNext(ctx, coordinator.ClaimRequest{WorkerName: "engine-1"})
//	if unit != nil {
//		_, err = c.Complete(ctx, coordinator.CompleteRequest{
//			UnitID: unit.ID, Token: unit.ClaimToken, WorkerName: "engine-1",
//		})
//	}
package coordinator
