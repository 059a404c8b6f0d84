// Package wire defines the messages exchanged with the REST SQL gateway.
//
// Every request is an explicit struct. Serialize returns the JSON body, and
// Method and Action name the HTTP method and the path below the session
// ("select", "exec/fetch", "update?returning=true", ...). A Transport
// delivers requests; gateway.Connection is the production transport and
// the sqlgw package implements the server side.
//
// Failures are never returned as Go errors. Every request yields a
// *Response, and callers branch on Response.Success (or Response.Outcome)
// before trusting its rows:
//
//	resp := (&wire.Select{SQL: "select * from emp", Rows: 10}).Execute(ctx, conn)
//	if !resp.Success {
//	    return resp.Err()
//	}
//
// Dates travel as epoch milliseconds in both directions. Response decoding
// turns numeric values of date, datetime and timestamp columns back into
// time.Time (UTC).
package wire
