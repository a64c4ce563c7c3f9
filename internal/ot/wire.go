package ot

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// wireOp is the flat JSON form shared by the websocket protocol and the
// redis session documents. One struct with a kind tag rather than three
// shapes, so clients only learn one message layout.
type wireOp struct {
	Kind           string `json:"kind"`
	ID             string `json:"operation_id"`
	UserID         string `json:"user_id"`
	Position       int    `json:"position,omitempty"`
	Length         int    `json:"length,omitempty"`
	Content        string `json:"content,omitempty"`
	SelectionStart int    `json:"selection_start,omitempty"`
	SelectionEnd   int    `json:"selection_end,omitempty"`
	ExpectedSeq    uint64 `json:"expected_sequence_number"`
	ServerSeq      uint64 `json:"server_sequence_number,omitempty"`
}

// EncodeOp serializes an operation to its wire JSON form.
func EncodeOp(op Op) ([]byte, error) {
	m := op.OpMeta()
	w := wireOp{
		Kind:        op.Kind(),
		ID:          m.ID.String(),
		UserID:      m.UserID,
		ExpectedSeq: m.ExpectedSeq,
		ServerSeq:   m.ServerSeq,
	}
	switch o := op.(type) {
	case Insert:
		w.Position = o.Pos
		w.Content = o.Text
	case Delete:
		w.Position = o.Pos
		w.Length = o.Len
	case Replace:
		w.SelectionStart = o.Start
		w.SelectionEnd = o.End
		w.Content = o.Text
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind())
	}
	return json.Marshal(w)
}

// DecodeOp parses an operation from its wire JSON form. Structural checks
// only; bounds are validated against session content later.
func DecodeOp(data []byte) (Op, error) {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, fmt.Errorf("decode operation id %q: %w", w.ID, err)
	}
	meta := Meta{
		ID:          id,
		UserID:      w.UserID,
		ExpectedSeq: w.ExpectedSeq,
		ServerSeq:   w.ServerSeq,
	}
	switch w.Kind {
	case KindInsert:
		return Insert{Meta: meta, Pos: w.Position, Text: w.Content}, nil
	case KindDelete:
		return Delete{Meta: meta, Pos: w.Position, Len: w.Length}, nil
	case KindReplace:
		return Replace{Meta: meta, Start: w.SelectionStart, End: w.SelectionEnd, Text: w.Content}, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", w.Kind)
	}
}

// EncodeOps serializes a history slice, preserving order.
func EncodeOps(ops []Op) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		data, err := EncodeOp(op)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// DecodeOps parses a history slice, preserving order.
func DecodeOps(raw []json.RawMessage) ([]Op, error) {
	ops := make([]Op, len(raw))
	for i, data := range raw {
		op, err := DecodeOp(data)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	return ops, nil
}
