package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/valyala/fastjson"
)

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// encodeBulk renders ops as the newline delimited body of a _bulk request.
func encodeBulk(ops []BulkOp) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, op := range ops {
		switch op.Action {
		case BulkIndex, BulkDelete:
		default:
			return nil, fmt.Errorf("bulk op %d: unknown action %q", i, op.Action)
		}

		// Encode appends the newline.
		if err := enc.Encode(map[BulkAction]bulkMeta{op.Action: {Index: op.Index, ID: op.ID}}); err != nil {
			return nil, err
		}

		if op.Action == BulkDelete {
			continue
		}
		if err := json.Compact(&buf, op.Source); err != nil {
			return nil, fmt.Errorf("bulk op %d (%s/%s): invalid source: %w", i, op.Index, op.ID, err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// decodeBulk maps the items of a _bulk response back onto the request ops.
func decodeBulk(body []byte, ops []BulkOp) ([]BulkItem, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	items := v.GetArray("items")
	if len(items) != len(ops) {
		return nil, fmt.Errorf("bulk response has %d items for %d ops", len(items), len(ops))
	}

	out := make([]BulkItem, len(ops))
	for i, item := range items {
		op := ops[i]
		res := item.Get(string(op.Action))
		if res == nil {
			return nil, fmt.Errorf("bulk response item %d missing %q result", i, op.Action)
		}

		out[i] = BulkItem{
			Action: op.Action,
			Index:  op.Index,
			ID:     op.ID,
			Status: res.GetInt("status"),
		}
		if ev := res.Get("error"); ev != nil {
			e := &Error{Status: out[i].Status}
			parseErrorValue(ev, e)
			out[i].Err = e
		}
	}
	return out, nil
}
