// Package harness runs scripted data source sessions from YAML scenarios.
//
// A scenario names a backend, a data source, a flow of wrapper operations
// and assertions checked after the flow:
//
//	name: dept_update
//	description: "an update reaches the backend"
//	backend: memory            # or gateway
//	source:
//	  name: dept
//	  columns: [deptno, dname, loc]
//	  primaryKey: [deptno]
//	  arrayfetch: 2
//	  rows:
//	    - [10, ACCOUNTING, NEW YORK]
//	    - [20, RESEARCH, DALLAS]
//	flow:
//	  - op: query
//	    where:
//	      - {column: deptno, op: ">", value: 5}
//	  - op: fetch
//	    expect: {ok: true, length: 2}
//	  - op: set
//	    index: 0
//	    values: {loc: BOSTON}
//	  - op: update
//	  - op: flush
//	    expect: {ok: true, dirty: 0}
//	assertions:
//	  - type: final_state
//	    where: {deptno: 10}
//	    expect: {loc: BOSTON}
//
// # Operations
//
// query, fetch (count times), prefetch (offset, count), set, create,
// insert, update, delete, lock, refresh, flush, clear, commit, rollback and
// concurrent. A concurrent step changes the backend row selected by key
// directly, as another user would, so later flushes and locks see a
// changed row.
//
// # Assertion Types
//
//   - trace_contains: an op or request action appears in the trace
//   - trace_order: actions appear in the given order
//   - trace_count: an action appears exactly count times
//   - final_state: the backend row selected by where matches expect
//   - cache: one column of the wrapper cache, in order
//
// # Deterministic Testing
//
// The gateway backend is a sqlgw server over a fresh demo database, served
// in-process with sequential session and cursor ids, so request bodies
// are stable and traces can be compared with golden files.
package harness
