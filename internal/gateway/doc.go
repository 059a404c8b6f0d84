// Package gateway connects to a REST SQL gateway.
//
// A Connection owns one gateway session. Connect opens it, a keepalive
// ping refreshes it at 4/5 of the server-declared timeout, and a failed
// ping drops it: later requests answer "not connected" until Connect is
// called again. Connection implements wire.Transport, so every wire
// message can be executed against it:
//
//	conn := gateway.New("hr", gateway.Options{URL: "http://localhost:8080", Username: "scott"})
//	if resp := conn.Connect(ctx); !resp.Success {
//	    return resp.Err()
//	}
//	defer conn.Disconnect(ctx)
//
// Connections are grouped in a Pool owned by the application.
package gateway
