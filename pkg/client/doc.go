/*
Package client connects application code to a granary cluster from
outside it. The client dials a silo gateway, holds one multiplexed
connection, and correlates responses itself: every request carries a
client-owned correlation id, and the gateway relays the response back
over the same connection regardless of which silo served the grain.

Retryable rejections (transient routing failures, gateway pushback)
are retried transparently; application errors and unrecoverable
rejections surface to the caller.

# Usage

	c := client.New(client.Config{
		ClusterID: "granary",
		Gateways:  []string{"10.0.0.5:11711"},
	})
	if err := c.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	out, err := c.Invoke(ctx, types.GrainString("account", "alice"), "Deposit", args)
*/
package client
