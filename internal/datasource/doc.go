// Package datasource defines the DataSource contract and its variants.
//
// A DataSource delivers records page by page, stages inserts, updates and
// deletes, and commits them with Flush. Four variants exist:
//
//   - MemoryTable keeps rows in memory and evaluates filters client-side.
//   - DatabaseTable generates SQL against one backend table.
//   - QueryTable wraps arbitrary read-only SQL.
//   - RestSource addresses a named gateway source with filter specs.
//
// The three remote variants talk to the gateway through a wire.Transport,
// normally a *gateway.Connection. Backend failures never panic: record
// level outcomes land on the record (Response, Failed), operation level
// failures are returned as *Error.
//
// Data sources are not safe for concurrent use.
package datasource
