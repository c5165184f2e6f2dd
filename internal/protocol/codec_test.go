package protocol_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batsim-go/batsim/internal/protocol"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)

	data, err := json.Marshal(protocol.JobSubmittedData{JobID: "w!1"})
	require.NoError(t, err)

	batch := protocol.Batch{
		Now: 5,
		Events: []protocol.Event{
			{Timestamp: 0, Type: protocol.EventSimulationBegins},
			{Timestamp: 5, Type: protocol.EventJobSubmitted, Data: data},
		},
	}
	require.NoError(t, enc.Encode(batch))

	var decoded protocol.Batch
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, batch.Now, decoded.Now)
	require.Len(t, decoded.Events, 2)
	assert.Equal(t, protocol.EventJobSubmitted, decoded.Events[1].Type)
}

func TestEncodeRejectsEmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	err := enc.Encode(protocol.Batch{Now: 0})
	assert.Error(t, err)
}

func TestEncodeRejectsTimestampExceedingNow(t *testing.T) {
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	err := enc.Encode(protocol.Batch{
		Now:    1,
		Events: []protocol.Event{{Timestamp: 2, Type: protocol.EventNotify}},
	})
	assert.Error(t, err)
}

func TestEncodeRejectsNonMonotonicEvents(t *testing.T) {
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	err := enc.Encode(protocol.Batch{
		Now: 5,
		Events: []protocol.Event{
			{Timestamp: 3, Type: protocol.EventNotify},
			{Timestamp: 1, Type: protocol.EventNotify},
		},
	})
	assert.Error(t, err)
}

func TestEncodeRejectsBatchNowRegression(t *testing.T) {
	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	require.NoError(t, enc.Encode(protocol.Batch{
		Now:    5,
		Events: []protocol.Event{{Timestamp: 5, Type: protocol.EventNotify}},
	}))
	err := enc.Encode(protocol.Batch{
		Now:    3,
		Events: []protocol.Event{{Timestamp: 3, Type: protocol.EventNotify}},
	})
	assert.Error(t, err)
}

func TestDecoderAcceptsValidCommandBatch(t *testing.T) {
	line := `{"now":10,"events":[{"timestamp":10,"type":"EXECUTE_JOB","data":{"job_id":"w!1","alloc":"0-3"}}]}` + "\n"
	dec := protocol.NewDecoder(bytes.NewBufferString(line))
	cb, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, float64(10), cb.Now)
	require.Len(t, cb.Events, 1)
	assert.Equal(t, protocol.CommandExecuteJob, cb.Events[0].Type)
}

func TestDecoderRejectsUnknownCommandType(t *testing.T) {
	line := `{"now":10,"events":[{"timestamp":10,"type":"NOT_A_COMMAND"}]}` + "\n"
	dec := protocol.NewDecoder(bytes.NewBufferString(line))
	_, err := dec.Decode()
	assert.Error(t, err)
}

func TestDecoderRejectsTimestampExceedingNow(t *testing.T) {
	line := `{"now":1,"events":[{"timestamp":2,"type":"KILL_JOB"}]}` + "\n"
	dec := protocol.NewDecoder(bytes.NewBufferString(line))
	_, err := dec.Decode()
	assert.Error(t, err)
}
