package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/blackmichael/nearby-feeds/internal/domain"
)

// changeMessage is the JSON structure of a change notification. Sources that
// follow the Postgres change stream convention send "eventType" in upper case
// instead of "operation".
type changeMessage struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	EventType string `json:"eventType,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
}

func parseEvent(data []byte) (domain.ChangeEvent, error) {
	var raw changeMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("unmarshal change: %w", err)
	}

	table := strings.TrimSpace(raw.Table)
	if table == "" {
		return domain.ChangeEvent{}, errors.New("change table missing")
	}

	op := raw.Operation
	if op == "" {
		op = raw.EventType
	}
	operation, err := parseOperation(op)
	if err != nil {
		return domain.ChangeEvent{}, err
	}

	return domain.ChangeEvent{
		Table:     table,
		Operation: operation,
		RecordID:  raw.RecordID,
	}, nil
}

func parseOperation(op string) (domain.Operation, error) {
	switch domain.Operation(strings.ToLower(strings.TrimSpace(op))) {
	case domain.OperationInsert:
		return domain.OperationInsert, nil
	case domain.OperationUpdate:
		return domain.OperationUpdate, nil
	case domain.OperationDelete:
		return domain.OperationDelete, nil
	default:
		return "", fmt.Errorf("unknown operation %q", op)
	}
}

func encodeEvent(ev domain.ChangeEvent) ([]byte, error) {
	return json.Marshal(changeMessage{
		Table:     ev.Table,
		Operation: string(ev.Operation),
		RecordID:  ev.RecordID,
	})
}
