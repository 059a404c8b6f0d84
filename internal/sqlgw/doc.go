// Package sqlgw is a local REST SQL gateway backed by SQLite.
//
// It speaks the same wire protocol the gateway package talks: sessions
// with a declared timeout, select with server cursors, DML from
// column/value/type triples with assertions and returning columns,
// statement execution, batches and transaction control. It serves
// development and tests; it is not a hardened production gateway.
//
// Locking maps onto SQLite's database lock: a transactional session that
// selects with lock (or "for update") opens an immediate transaction and
// holds the write lock until it commits or rolls back.
//
// Named sources map a source name to a table or a SQL query, so RestSource
// clients can address data without sending SQL.
package sqlgw
