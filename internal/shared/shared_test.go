package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/approval"
)

func TestIdentityContextRoundTrip(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	require.False(t, ok)

	id := approval.ApproverIdentity{UserID: 11, Name: "Supervisor", ApprovalLevel: 1}
	got, ok := IdentityFromContext(ContextWithIdentity(context.Background(), id))
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestRecordersValidateBeforeWriting(t *testing.T) {
	ctx := context.Background()

	var nilAudit *AuditLogger
	require.Error(t, nilAudit.Record(ctx, AuditLog{Action: "approve", Entity: "unit", EntityID: "x"}))
	require.Error(t, NewAuditLogger(nil).Record(ctx, AuditLog{Action: "approve"}))

	var nilRecorder *ApprovalRecorder
	require.Error(t, nilRecorder.Record(ctx, ApprovalLog{Unit: "u", Level: 1, Action: ApprovalApprove}))
	_, err := nilRecorder.List(ctx, "u")
	require.Error(t, err)

	rec := NewApprovalRecorder(nil, nil)
	require.Error(t, rec.Record(ctx, ApprovalLog{Level: 1, Action: ApprovalApprove}))
	require.Error(t, rec.Record(ctx, ApprovalLog{Unit: "u", Action: ApprovalApprove}))
	require.Error(t, rec.Record(ctx, ApprovalLog{Unit: "u", Level: 1}))
}
