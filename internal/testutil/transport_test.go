package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsql/internal/wire"
)

func TestRecorder_Scripted(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(nil).Script(wire.Failure(wire.BackendRejection, "no"))

	resp := (&wire.Select{SQL: "select 1"}).Execute(ctx, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "no", resp.Message)

	// script exhausted: empty success
	assert.True(t, wire.Commit.Execute(ctx, rec).Success)
	assert.Equal(t, []string{"select", "commit"}, rec.Actions())

	sel, ok := Last[*wire.Select](rec)
	require.True(t, ok)
	assert.Equal(t, "select 1", sel.SQL)
	assert.Contains(t, Body(sel), `"sql":"select 1"`)

	_, ok = Last[*wire.Batch](rec)
	assert.False(t, ok)

	rec.Reset()
	assert.Empty(t, rec.Requests())
}

func TestRecorder_Forwards(t *testing.T) {
	inner := NewRecorder(nil).Script(&wire.Response{Success: true, Writes: 3})
	rec := NewRecorder(inner)

	resp := wire.Rollback.Execute(context.Background(), rec)
	assert.Equal(t, int64(3), resp.Writes)
	assert.Equal(t, []string{"rollback"}, rec.Actions())
	assert.Equal(t, []string{"rollback"}, inner.Actions())
}
