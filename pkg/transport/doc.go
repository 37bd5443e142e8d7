/*
Package transport carries framed messages over long-lived connections
between silos and from clients to gateways.

A connection opens with a preamble exchange: each side sends its node
identity, network protocol version, silo address (peers only), and
cluster id. A cluster-id or protocol-version mismatch is fatal and
closes the connection. Thereafter messages travel as
[4-byte header length][4-byte body length][header][body] frames.

Length prefixes are emitted through a PrefixWriter: the writer reserves
the prefix bytes up front, payload up to a hint shares the same buffer,
and larger payloads spill into pooled segments. The whole frame is
committed to the sink in one pass with no double-copying.
*/
package transport
