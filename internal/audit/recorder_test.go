package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrain/autobrain/internal/log"
	"github.com/autobrain/autobrain/internal/store"
)

type fakeLedger struct {
	rows      []store.ToolInvocation
	insertErr error
}

func (f *fakeLedger) InsertToolInvocation(_ context.Context, inv *store.ToolInvocation) (*store.ToolInvocation, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	out := *inv
	out.ID = uuid.New()
	f.rows = append(f.rows, out)
	return &out, nil
}

func (f *fakeLedger) ToolInvocations(_ context.Context, orgID, conversationID uuid.UUID) ([]store.ToolInvocation, error) {
	var out []store.ToolInvocation
	for _, row := range f.rows {
		if row.OrgID == orgID && row.ConversationID == conversationID {
			out = append(out, row)
		}
	}
	return out, nil
}

func TestRecordSuccess(t *testing.T) {
	ledger := &fakeLedger{}
	rec, err := NewRecorder(ledger, log.NewNop())
	require.NoError(t, err)

	convID, orgID := uuid.New(), uuid.New()
	err = rec.Record(context.Background(), Entry{
		ConversationID: convID,
		OrgID:          orgID,
		Agent:          "orchestrator",
		Tool:           "search_knowledge",
		Input:          json.RawMessage(`{"query":"x"}`),
		Output:         json.RawMessage(`{"results":[]}`),
		Latency:        150 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Len(t, ledger.rows, 1)
	row := ledger.rows[0]
	assert.Equal(t, "search_knowledge", row.ToolName)
	assert.Equal(t, orgID, row.OrgID)
	assert.Equal(t, int64(150), row.LatencyMS)
	assert.Nil(t, row.ErrorMsg)
}

func TestRecordFailedExecution(t *testing.T) {
	ledger := &fakeLedger{}
	rec, err := NewRecorder(ledger, log.NewNop())
	require.NoError(t, err)

	err = rec.Record(context.Background(), Entry{
		ConversationID: uuid.New(),
		OrgID:          uuid.New(),
		Tool:           "fetch_webpage",
		Err:            errors.New("status 503"),
		Latency:        2 * time.Second,
	})
	require.NoError(t, err, "a failed tool execution still gets its ledger row")

	require.Len(t, ledger.rows, 1)
	require.NotNil(t, ledger.rows[0].ErrorMsg)
	assert.Equal(t, "status 503", *ledger.rows[0].ErrorMsg)
}

func TestRecordWriteFailurePropagates(t *testing.T) {
	ledger := &fakeLedger{insertErr: errors.New("connection refused")}
	rec, err := NewRecorder(ledger, log.NewNop())
	require.NoError(t, err)

	err = rec.Record(context.Background(), Entry{Tool: "current_time"})
	assert.Error(t, err)
}

func TestListScopedByOrg(t *testing.T) {
	ledger := &fakeLedger{}
	rec, err := NewRecorder(ledger, log.NewNop())
	require.NoError(t, err)

	convID := uuid.New()
	orgA, orgB := uuid.New(), uuid.New()
	require.NoError(t, rec.Record(context.Background(), Entry{ConversationID: convID, OrgID: orgA, Tool: "a"}))
	require.NoError(t, rec.Record(context.Background(), Entry{ConversationID: convID, OrgID: orgB, Tool: "b"}))

	rows, err := rec.List(context.Background(), orgA, convID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].ToolName)
}
