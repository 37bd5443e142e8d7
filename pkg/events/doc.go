/*
Package events provides an in-process broker for cluster lifecycle
events: silo status changes, activation churn, connection state, and
transaction aborts.

Subscribers receive events over buffered channels; a slow subscriber
drops events rather than blocking the broker. Events feed operator
logs and metrics, not runtime decisions.

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.Message)
		}
	}()
*/
package events
