/*
Package events provides a best-effort pub/sub broker for cluster events.

Node liveness changes, container lifecycle transitions, replication
findings and pipeline state changes are published here for observers such
as the CLI, tests and log tailers. Publish never blocks: when the broker
queue or a subscriber buffer is full the event is dropped and counted.
Components that must react to an event (for example dropping the replicas
of a dead node) register a direct handler with the component that emits
it instead of relying on the broker.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventNodeDead)
	for ev := range sub {
		fmt.Println(ev.Metadata["node_id"])
	}
*/
package events
