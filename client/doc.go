/*
Package client is the connecting side of the wsbridge protocol. A Client
presents one logical connection to its callers no matter how often the
underlying WebSocket churns.

The connection runs a state machine: Disconnected -> Connecting -> Connected,
back to Disconnected on any transport fault. Reconnect attempts are scheduled
with exponential backoff, min(base * 2^n, cap), and the attempt counter
resets to zero whenever a connection is established. Once the attempt ceiling
is exceeded the client enters a terminal Failed state: calls queued at that
point are rejected with ErrClientFailed and queued notifications are dropped
with a log line.

Invoke and Notify issued while not connected are appended to an outbound
queue which is flushed in FIFO order immediately after the next successful
connect, before anything newly issued goes on the wire. An invoke whose
request was already transmitted when the transport drops is rejected with
ErrConnectionLost: the response can never arrive, since server-side session
state does not survive the socket.
*/
package client
