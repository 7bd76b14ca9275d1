package rabbitmq

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// WorkUnitMessage is the queue payload naming one unit of a job. The job state
// itself stays in the database.
type WorkUnitMessage struct {
	Kind    string `json:"kind"`
	JobID   string `json:"job_id"`
	BatchID string `json:"batch_id,omitempty"`
}

func (m WorkUnitMessage) Validate() error {
	switch m.Kind {
	case "cohort", "core":
	case "batch":
		if m.BatchID == "" {
			return fmt.Errorf("batch message without batch_id")
		}
	default:
		return fmt.Errorf("unknown work unit kind %q", m.Kind)
	}
	if m.JobID == "" {
		return fmt.Errorf("message without job_id")
	}
	return nil
}

// Headers mirrors the payload so messages can be traced without decoding them
func (m WorkUnitMessage) Headers() amqp.Table {
	headers := amqp.Table{
		"job_id": m.JobID,
		"kind":   m.Kind,
	}
	if m.BatchID != "" {
		headers["batch_id"] = m.BatchID
	}
	return headers
}

func (m WorkUnitMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return body, nil
}

func DecodeWorkUnitMessage(body []byte) (WorkUnitMessage, error) {
	var msg WorkUnitMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return WorkUnitMessage{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return WorkUnitMessage{}, err
	}
	return msg, nil
}
