/*
Package events provides the in-process pub/sub broker for volume
notifications.

The registry publishes an Event whenever device consumers would notice a
change:

	volume.created   minor registered, Metadata["path"]
	volume.removed   minor removed
	volume.renamed   Metadata["from"] holds the old name
	volume.resized   provider media size changed (old_size, size)
	volume.attrib    character device size changed
	volume.gone      handles revoked by a rename, Metadata["handles"]

Publish never blocks. Volume code publishes while holding its locks, so an
event is dropped with a warning when the broker queue is full, and a slow
subscriber misses events rather than stalling the broker.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		fmt.Println(ev.Type, ev.Volume)
	}
*/
package events
