package wrapper

import "github.com/roach88/formsql/internal/record"

// Block receives the record lifecycle events of a wrapper. It is the
// form-side collaborator: it validates and renders records.
//
// Pre hooks veto the operation by returning false. OnFetch vetoes the
// display of a freshly fetched record.
type Block interface {
	PreInsert(r *record.Record) bool
	PostInsert(r *record.Record)
	PreUpdate(r *record.Record) bool
	PostUpdate(r *record.Record)
	PreDelete(r *record.Record) bool
	PostDelete(r *record.Record)

	// OnFetch is called the first time a fetched record is handed out.
	OnFetch(r *record.Record) bool

	// OnRefresh is called after a record took new backend values, for
	// instance after a violation.
	OnRefresh(r *record.Record)
}

// BaseBlock accepts everything. Embed it to implement only some hooks.
type BaseBlock struct{}

func (BaseBlock) PreInsert(*record.Record) bool { return true }
func (BaseBlock) PostInsert(*record.Record)     {}
func (BaseBlock) PreUpdate(*record.Record) bool { return true }
func (BaseBlock) PostUpdate(*record.Record)     {}
func (BaseBlock) PreDelete(*record.Record) bool { return true }
func (BaseBlock) PostDelete(*record.Record)     {}
func (BaseBlock) OnFetch(*record.Record) bool   { return true }
func (BaseBlock) OnRefresh(*record.Record)      {}

var _ Block = BaseBlock{}
