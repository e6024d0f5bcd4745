/*
Package events is the fleet's membership event bus.

Publish attaches the current ACTIVE_NODES snapshot to every event so a
subscriber can reconcile without an extra round trip. Delivery is best
effort and unordered across publishers: a subscriber that
is offline when an event fires must re-derive its view from the registry
on reconnect rather than trust the last event it saw.

	bus := events.NewBus(coord)
	bus.Start(ctx)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	for evt := range sub {
		reconcile(evt.ActiveSet())
	}
*/
package events
