/*
Package silo assembles one runtime node from the component packages:
membership, directory, placement, catalog, scheduler, router,
transport, transactions, reminders, and grain state storage.

A silo listens on a single endpoint for both peer silos and gateway
clients, telling them apart by the connection preamble. Peer messages
feed the router directly; client requests are forwarded on the
client's behalf and the responses relayed back through the gateway
they entered on.
*/
package silo
