package calls

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListResponse_DecodeBackendPayload(t *testing.T) {
	payload := `{
		"calls": [
			{"id": "c1", "assistantId": "a1", "customerNumber": "+15550100001", "status": "ended",
			 "startedAt": "2024-05-01T09:00:00+00:00", "durationSeconds": 120, "cost": 0.5},
			{"id": "c2", "assistantId": "a1", "customerNumber": null, "status": "failed"}
		]
	}`

	var resp ListResponse
	require.NoError(t, json.Unmarshal([]byte(payload), &resp))

	require.Len(t, resp.Calls, 2)
	assert.Equal(t, 2, resp.Total, "total defaults to len(calls)")
	assert.Equal(t, "+15550100001", resp.Calls[0].Number())
	assert.Equal(t, 120.0, resp.Calls[0].Duration())
	assert.True(t, resp.Calls[0].Start().Valid)

	assert.Nil(t, resp.Calls[1].CustomerNumber)
	assert.Equal(t, "", resp.Calls[1].Number())
	assert.Equal(t, 0.0, resp.Calls[1].Duration())
	assert.False(t, resp.Calls[1].Start().Valid)
}

func TestListResponse_ExplicitTotalAndEmpty(t *testing.T) {
	var resp ListResponse
	require.NoError(t, json.Unmarshal([]byte(`{"total": 42}`), &resp))
	assert.NotNil(t, resp.Calls)
	assert.Empty(t, resp.Calls)
	assert.Equal(t, 42, resp.Total)
}

func TestListResponse_InvalidJSON(t *testing.T) {
	var resp ListResponse
	err := json.Unmarshal([]byte(`{"calls": "nope"}`), &resp)
	require.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("é", PreviewLimit+10)
	got := Preview(long)
	assert.Equal(t, PreviewLimit, len([]rune(got)))
}
