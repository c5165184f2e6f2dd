// Package protocol implements the protocol codec (C4): encoding of
// simulator->scheduler events, decoding of scheduler->simulator commands,
// and the schema/ordering checks spec §4.4 mandates.
package protocol

import "encoding/json"

// EventType is the simulator->scheduler event vocabulary of §4.4.
type EventType string

const (
	EventSimulationBegins      EventType = "SIMULATION_BEGINS"
	EventSimulationEnds        EventType = "SIMULATION_ENDS"
	EventJobSubmitted          EventType = "JOB_SUBMITTED"
	EventJobCompleted          EventType = "JOB_COMPLETED"
	EventJobKilled             EventType = "JOB_KILLED"
	EventResourceStateChanged  EventType = "RESOURCE_STATE_CHANGED"
	EventRequestedCall         EventType = "REQUESTED_CALL"
	EventAnswer                EventType = "ANSWER"
	EventQuery                 EventType = "QUERY"
	EventNotify                EventType = "NOTIFY"
	EventFromJobMsg            EventType = "FROM_JOB_MSG"
)

// Event is one entry of an outgoing batch: { "timestamp": t, "type": TYPE,
// "data": {...} }.
type Event struct {
	Timestamp float64         `json:"timestamp"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Batch is the wire object a simulator->scheduler message carries:
// { "now": T, "events": [...] }.
type Batch struct {
	Now    float64 `json:"now"`
	Events []Event `json:"events"`
}

// --- event data payload helpers -------------------------------------------------

type SimulationBeginsData struct {
	NbResources     int             `json:"nb_resources"`
	Resources       json.RawMessage `json:"resources,omitempty"`
	AllowSharing    bool            `json:"allow_compute_sharing"`
	Config          json.RawMessage `json:"config,omitempty"`
	WorkloadFiles   []string        `json:"workload_files,omitempty"`
	Jobs            json.RawMessage `json:"jobs,omitempty"`
	Profiles        json.RawMessage `json:"profiles,omitempty"`
}

type JobSubmittedData struct {
	JobID             string          `json:"job_id"`
	Job               json.RawMessage `json:"job,omitempty"`
	Profile           json.RawMessage `json:"profile,omitempty"`
	CheckpointJobData json.RawMessage `json:"checkpoint_job_data,omitempty"`
}

type JobCompletedData struct {
	JobID      string `json:"job_id"`
	JobState   string `json:"job_state"`
	Alloc      string `json:"alloc"`
	ReturnCode int    `json:"return_code"`
}

type KilledJobProgress struct {
	ID          string          `json:"id"`
	ForWhat     int             `json:"forWhat"`
	JobProgress json.RawMessage `json:"job_progress,omitempty"`
}

type JobKilledData struct {
	JobIDs []string             `json:"job_ids"`
	Jobs   []KilledJobProgress `json:"jobs,omitempty"`
}

type ResourceStateChangedData struct {
	Resources string `json:"resources"`
	State     string `json:"state"`
}

type RequestedCallData struct {
	ID      int `json:"id"`
	ForWhat int `json:"forWhat"`
}

type NotifyData struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type FromJobMsgData struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}
