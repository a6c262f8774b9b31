package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Broker payloads cross a trust boundary (anything can write to Redis), so
// they are validated against a schema before the job id is used.
const payloadSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["job_id"],
	"properties": {
		"job_id": {
			"type": "string",
			"pattern": "^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
		}
	}
}`

var payloadSchema = jsonschema.MustCompileString("payload.json", payloadSchemaJSON)

type taskPayload struct {
	JobID string `json:"job_id"`
}

func encodePayload(jobID uuid.UUID) ([]byte, error) {
	return json.Marshal(taskPayload{JobID: jobID.String()})
}

func decodePayload(data []byte) (uuid.UUID, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := payloadSchema.Validate(v); err != nil {
		return uuid.Nil, fmt.Errorf("payload does not match schema: %w", err)
	}
	var p taskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return uuid.Nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return uuid.Parse(p.JobID)
}
