// Package filter provides composable record filters that evaluate both as
// SQL (with bind values) and as in-memory predicates.
//
// Leaf filters are built with the factory functions (Equals, In, Like, ...)
// and given their constraint with SetConstraint:
//
//	s := filter.NewStructure().
//		And(filter.Equals("dept").SetConstraint(10), "").
//		And(filter.NewStructure().
//			Or(filter.Like("name").SetConstraint("A%"), "").
//			Or(filter.Null("name"), ""), "name")
//
//	s.SQL()        // "dept = :dept and (name like :name or name is null)"
//	s.BindValues() // [dept=10, name="A%"]
//	s.Evaluate(r)  // same predicate on a record in memory
//
// Node is a sealed interface: only *Predicate, *Custom and *Structure
// implement it, so the SQL builder, the evaluator and the wire encoder can
// switch exhaustively over node types.
//
// # Evaluation order
//
// Structure.Evaluate walks entries left to right. After the first entry,
// an "or" entry is skipped while the running result is true and an "and"
// entry is skipped while it is false. This is not the precedence of the
// generated SQL, where "and" binds tighter than "or"; callers needing
// precedence nest structures explicitly.
//
// # Bind names
//
// A leaf names its bind value after its column unless SetBindName says
// otherwise. When a Structure builds SQL, colliding names are renamed by
// suffixing a counter ("id", "id1", ...), so one statement never carries the
// same name twice.
package filter
