// Package consumption spends daily credits optimistically.
//
// Consume checks the cached counter, applies the spend to the local cache at
// once and returns a Consumption whose Snapshot the UI can render immediately.
// The spend is then confirmed with the entitlement service in the background:
//
//	c, err := coord.Consume(ctx, userID, entitlement.DeepStudyMode)
//	if err != nil {
//		return err
//	}
//	render(c.Snapshot())
//	res, err := c.Await(ctx)
//
// A confirmed spend takes the server's remaining count verbatim. A failed,
// rejected or timed out confirm rolls the local counter back by exactly the
// amount applied. Every Consumption settles once, within the confirm timeout.
package consumption
