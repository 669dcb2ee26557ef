/*
Package bridge is the server side of the wsbridge protocol. A Bridge accepts
WebSocket connections on a single well-known path, assigns each connection a
generated client id, and routes every inbound frame into a shared method
registry. It uses WebSockets for bidi messaging so only requires an HTTP
server.

The protocol proceeds as follows:

1. The hosting application mounts the Bridge (an http.Handler) on a path and
registers invoke handlers and notification listeners on channels.

2. A client opens a WebSocket connection; the Bridge creates a session and
starts reading frames. Frames from one session are dispatched to completion
one at a time; sessions are independent of each other.

3. A request frame runs the channel's invoke handler and sends back exactly
one response carrying the handler's result or error. A notification frame
runs every listener registered on the channel and sends nothing back.

4. The Bridge periodically pings every session. A session that fails to
acknowledge across two sweep intervals is closed and evicted.

Sessions are scoped to the WebSocket connection--if the connection dies for
any reason, the session and its id are gone. A client that reconnects gets a
fresh session and a fresh id.
*/
package bridge
