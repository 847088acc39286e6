package main

import (
	"encoding/json"
	"fmt"

	"datagate/internal/ingest"
)

// decodeReplayPoint reconstructs a DataPoint from a DLQ entry. Entries
// written by the router carry the contract encoding; transport-native
// payloads that never made it past parsing are not replayable and surface
// as an error (the consumer archives them).
func decodeReplayPoint(e ingest.DLQEntry) (*ingest.DataPoint, error) {
	var p ingest.DataPoint
	if err := json.Unmarshal(e.Raw, &p); err != nil {
		return nil, fmt.Errorf("dlq entry is not a contract payload: %w", err)
	}
	if p.SeriesID == "" {
		return nil, fmt.Errorf("dlq entry missing series_id")
	}
	if e.MsgID != "" {
		p.MsgID = e.MsgID
	}
	return &p, nil
}
