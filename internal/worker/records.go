package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/batchd/internal/storage"
)

// RecordPayload is the payload shared by every record operation. DELETE
// ignores Data.
type RecordPayload struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DecodeRecordPayload parses and validates raw.
func DecodeRecordPayload(raw json.RawMessage, needData bool) (RecordPayload, error) {
	var p RecordPayload
	if len(raw) == 0 {
		return p, errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if strings.TrimSpace(p.Collection) == "" {
		return p, errors.New("payload collection is required")
	}
	if strings.TrimSpace(p.Key) == "" {
		return p, errors.New("payload key is required")
	}
	if needData && (len(p.Data) == 0 || string(p.Data) == "null") {
		return p, errors.New("payload data is required")
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		return p, errors.New("payload data is not valid JSON")
	}
	return p, nil
}

func (p RecordPayload) record() storage.Record {
	return storage.Record{Collection: p.Collection, Key: p.Key, Data: p.Data}
}

// NewRecordDispatcher wires INSERT, UPDATE, UPSERT and DELETE to records.
func NewRecordDispatcher(records storage.RecordStore) *Dispatcher {
	d := NewDispatcher()
	d.Register(storage.OperationInsert, HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
		p, err := DecodeRecordPayload(raw, true)
		if err != nil {
			return err
		}
		return records.InsertRecord(ctx, p.record())
	}))
	d.Register(storage.OperationUpdate, HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
		p, err := DecodeRecordPayload(raw, true)
		if err != nil {
			return err
		}
		return records.UpdateRecord(ctx, p.record())
	}))
	d.Register(storage.OperationUpsert, HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
		p, err := DecodeRecordPayload(raw, true)
		if err != nil {
			return err
		}
		return records.UpsertRecord(ctx, p.record())
	}))
	d.Register(storage.OperationDelete, HandlerFunc(func(ctx context.Context, raw json.RawMessage) error {
		p, err := DecodeRecordPayload(raw, false)
		if err != nil {
			return err
		}
		return records.DeleteRecord(ctx, p.Collection, p.Key)
	}))
	d.SetOrderKey(RecordOrderKey)
	return d
}

// RecordOrderKey keys record operations by collection and record key.
// Undecodable payloads return "" and fail on their own.
func RecordOrderKey(op storage.Operation) string {
	p, err := DecodeRecordPayload(op.Payload, false)
	if err != nil {
		return ""
	}
	return p.Collection + "\x00" + p.Key
}
