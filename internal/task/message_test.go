package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID_IsUUID(t *testing.T) {
	t.Parallel()

	id := GenerateID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
}

func TestGenerateID_IsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for range 100 {
		id := GenerateID()
		assert.False(t, seen[id], "duplicate ID generated: %s", id)
		seen[id] = true
	}
}

func TestNewMessage_SetsFields(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC()
	msg := NewMessage("U1", json.RawMessage(`{"title":"bike"}`))

	assert.NotEmpty(t, msg.TaskID)
	assert.Equal(t, "U1", msg.UserID)
	assert.JSONEq(t, `{"title":"bike"}`, string(msg.Payload))
	assert.False(t, msg.CreatedAt.Before(before))
}

func TestNewMessage_EmptyPayloadBecomesObject(t *testing.T) {
	t.Parallel()

	msg := NewMessage("U1", nil)
	assert.Equal(t, "{}", string(msg.Payload))
}

func TestMessage_Encode_WireFormat(t *testing.T) {
	t.Parallel()

	msg := &Message{
		TaskID:    "T1",
		UserID:    "U1",
		Payload:   json.RawMessage(`{"k":"v"}`),
		CreatedAt: time.Date(2025, 10, 24, 15, 57, 0, 0, time.UTC),
	}

	data, err := msg.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"T1","user_id":"U1","payload":{"k":"v"},"created_ts":"2025-10-24T15:57:00Z"}`, string(data))
}

func TestDecodeEnvelope_CanonicalFields(t *testing.T) {
	t.Parallel()

	env, err := DecodeEnvelope([]byte(`{"user_id":"U1","task_id":"T1","request_id":"R1","status":"success"}`))
	require.NoError(t, err)
	assert.Equal(t, Envelope{UserID: "U1", TaskID: "T1", RequestID: "R1"}, env)
}

func TestDecodeEnvelope_AliasFields(t *testing.T) {
	t.Parallel()

	env, err := DecodeEnvelope([]byte(`{"userId":"U2","TASK_ID":"T2","requestId":"R2"}`))
	require.NoError(t, err)
	assert.Equal(t, Envelope{UserID: "U2", TaskID: "T2", RequestID: "R2"}, env)

	env, err = DecodeEnvelope([]byte(`{"UserID":"U3","taskId":"T3"}`))
	require.NoError(t, err)
	assert.Equal(t, "U3", env.UserID)
	assert.Equal(t, "T3", env.TaskID)
}

func TestDecodeEnvelope_MissingUserID(t *testing.T) {
	t.Parallel()

	env, err := DecodeEnvelope([]byte(`{"task_id":"T1"}`))
	require.NoError(t, err)
	assert.Empty(t, env.UserID)
}

func TestDecodeEnvelope_NonStringUserIDIgnored(t *testing.T) {
	t.Parallel()

	env, err := DecodeEnvelope([]byte(`{"user_id":42}`))
	require.NoError(t, err)
	assert.Empty(t, env.UserID)
}

func TestDecodeEnvelope_RejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := DecodeEnvelope([]byte(`not json`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`null`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestDecodeResult(t *testing.T) {
	t.Parallel()

	r, err := DecodeResult([]byte(`{"task_id":"T1","user_id":"U1","status":"success","result_data":{"beautified_title":"Nice bike"},"completed_at":"2025-10-24T15:57:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "T1", r.TaskID)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.JSONEq(t, `{"beautified_title":"Nice bike"}`, string(r.ResultData))
	assert.Nil(t, r.ErrorMessage)
}

func TestDecodeProgress(t *testing.T) {
	t.Parallel()

	p, err := DecodeProgress([]byte(`{"task_id":"T1","user_id":"U1","request_id":"R1","progress":0.5,"total_ads":10,"current_ads":5,"status":"in_progress","message":"halfway","timestamp":"now"}`))
	require.NoError(t, err)
	assert.Equal(t, "R1", p.RequestID)
	assert.InDelta(t, 0.5, p.Progress, 0.0001)
	assert.Equal(t, 10, p.TotalAds)
	assert.Equal(t, 5, p.CurrentAds)
}

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusError.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
}
