package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus("completed")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got)

	got, err = ParseStatus(" FAILED ")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got)

	_, err = ParseStatus("SOMETIMES")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOMETIMES")
}

func TestRevisionIDValidate(t *testing.T) {
	valid := RevisionID{Namespace: "shop", WorkflowID: "process-order", Version: 1}
	require.NoError(t, valid.Validate())
	assert.Equal(t, "shop/process-order/1", valid.String())

	tests := []struct {
		name string
		id   RevisionID
		want string
	}{
		{name: "bad namespace", id: RevisionID{Namespace: "a b", WorkflowID: "wf", Version: 1}, want: "invalid namespace"},
		{name: "empty namespace", id: RevisionID{WorkflowID: "wf", Version: 1}, want: "invalid namespace"},
		{name: "bad id", id: RevisionID{Namespace: "ns", WorkflowID: "wf!", Version: 1}, want: "invalid workflow id"},
		{name: "zero version", id: RevisionID{Namespace: "ns", WorkflowID: "wf", Version: 0}, want: "version must be >= 1"},
		{
			name: "namespace too long",
			id:   RevisionID{Namespace: strings.Repeat("a", MaxIdentifierLength+1), WorkflowID: "wf", Version: 1},
			want: "invalid namespace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
