// SPDX-License-Identifier: AGPL-3.0-or-later

/*
PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package jsonnorm implements the JSON Normalizer: it coerces a stage's
// raw JSON output into the canonical {items:[...]} envelope consumed by
// downstream map stages, assigning each item a deterministic id.
//
// Grounded on pkg/engine/slice.go's determinism discipline (stable sort,
// explicit ordering) from the donor repository, applied here to arbitrary
// item values instead of deployment plan steps.
package jsonnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/bartekus/promptchain/pkg/engineerr"
	"github.com/bartekus/promptchain/pkg/value"
)

// Item is one normalized element of an envelope.
type Item struct {
	ID         string      `json:"id"`
	Selected   bool        `json:"_selected"`
	Value      value.Value `json:"value"`
	Attributes value.Value `json:"-"` // object-spread keys alongside value, when Value is itself an object
}

// Envelope is the canonical normalized shape.
type Envelope struct {
	Items             []Item         `json:"items"`
	DroppedDuplicates int            `json:"dropped_duplicates,omitempty"`
	Extra             map[string]any `json:"-"` // top-level keys outside "items", preserved verbatim
}

// MarshalJSON flattens Envelope so Extra's keys sit alongside "items" and
// "dropped_duplicates" at the top level, matching spec §4.2 ("any
// top-level keys outside items are preserved on the envelope").
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+2)
	for k, v := range e.Extra {
		out[k] = v
	}
	items := make([]map[string]any, 0, len(e.Items))
	for _, it := range e.Items {
		m := map[string]any{}
		if attrs, ok := it.Attributes.Object(); ok {
			for k, v := range attrs {
				m[k] = v.ToAny()
			}
		}
		m["id"] = it.ID
		m["_selected"] = it.Selected
		m["value"] = it.Value.ToAny()
		items = append(items, m)
	}
	out["items"] = items
	if e.DroppedDuplicates > 0 {
		out["dropped_duplicates"] = e.DroppedDuplicates
	}
	return json.Marshal(out)
}

// ItemID computes the deterministic id for a given item value:
// "item_" + hex(first 8 bytes of SHA-256 of the canonical JSON of value).
func ItemID(v value.Value) string {
	sum := sha256.Sum256(v.Canonical())
	return "item_" + hex.EncodeToString(sum[:8])
}

// Normalize parses raw as JSON and coerces it into the canonical
// envelope shape.
//
// If the parsed root is an array, each element becomes an item (objects
// spread their keys alongside "value"). If the root is an object with an
// "items" array, that array is used and any other top-level keys are
// preserved on the envelope. Any other shape fails with
// InvalidJsonShape. A JSON parse failure fails with InvalidJson.
func Normalize(raw []byte) (Envelope, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Envelope{}, engineerr.ParseError(engineerr.InvalidJSON, err, "parsing stage output as JSON")
	}

	switch root := decoded.(type) {
	case []any:
		return normalizeArray(root)
	case map[string]any:
		itemsRaw, ok := root["items"]
		if !ok {
			return Envelope{}, engineerr.ParseError(engineerr.InvalidJSONShape, nil,
				"object root must contain an \"items\" array")
		}
		itemsArr, ok := itemsRaw.([]any)
		if !ok {
			return Envelope{}, engineerr.ParseError(engineerr.InvalidJSONShape, nil,
				"\"items\" must be an array")
		}
		env, err := normalizeArray(itemsArr)
		if err != nil {
			return Envelope{}, err
		}
		extra := make(map[string]any, len(root)-1)
		for k, v := range root {
			if k == "items" {
				continue
			}
			extra[k] = v
		}
		env.Extra = extra
		return env, nil
	default:
		return Envelope{}, engineerr.ParseError(engineerr.InvalidJSONShape, nil,
			"root must be a JSON array or an object with an \"items\" array, got %T", decoded)
	}
}

func normalizeArray(elems []any) (Envelope, error) {
	seen := make(map[string]bool, len(elems))
	items := make([]Item, 0, len(elems))
	dropped := 0

	for _, raw := range elems {
		v := value.FromAny(raw)

		// Per spec: objects spread their keys alongside "value"; preserve
		// _selected if present and boolean.
		selected := true
		var attrs value.Value
		if obj, ok := v.Object(); ok {
			if sv, ok := obj["_selected"]; ok {
				if b, ok := sv.Bool(); ok {
					selected = b
				}
			}
			attrs = v
		}

		id := ItemID(v)
		if seen[id] {
			dropped++
			continue
		}
		seen[id] = true

		items = append(items, Item{
			ID:         id,
			Selected:   selected,
			Value:      v,
			Attributes: attrs,
		})
	}

	return Envelope{Items: items, DroppedDuplicates: dropped}, nil
}

// EnsureEnvelope is a convenience for callers that already hold a stored
// Envelope (e.g. loaded from a prior stage's output.json on resume) and
// need to re-validate its shape defensively. Each stored entry keeps the
// id and value written for it.
func EnsureEnvelope(raw []byte) (Envelope, error) {
	var probe struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, engineerr.ParseError(engineerr.InvalidJSON, err, "decoding stored envelope")
	}
	if probe.Items == nil {
		return Envelope{}, engineerr.ParseError(engineerr.InvalidJSONShape, nil, "stored envelope missing \"items\"")
	}
	env, err := Normalize(raw)
	if err != nil {
		return Envelope{}, err
	}
	// Normalize treats each stored entry as a fresh value; restore the
	// entry's own id and value.
	for i, it := range env.Items {
		if id, ok := it.Value.Field("id").String(); ok {
			env.Items[i].ID = id
			env.Items[i].Value = it.Value.Field("value")
		}
	}
	return env, nil
}
