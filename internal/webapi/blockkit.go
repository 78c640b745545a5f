package webapi

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/slacksim/pkg/protocol"
)

// autoAssignBlockIDs gives every block lacking a block_id the positional
// fallback id block_<index>. Applied wherever blocks enter the system.
func autoAssignBlockIDs(blocks []protocol.Block) {
	for i, b := range blocks {
		if id, ok := b["block_id"].(string); !ok || id == "" {
			b["block_id"] = fmt.Sprintf("block_%d", i)
		}
	}
}

// blocksFromAny coerces a decoded blocks value into []Block.
func blocksFromAny(v any) ([]protocol.Block, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]protocol.Block, 0, len(raw))
	for _, item := range raw {
		b, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, b)
	}
	return out, true
}

// viewBlocks extracts the block list of a stored view document.
func viewBlocks(view map[string]any) []map[string]any {
	raw, _ := view["blocks"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if b, ok := item.(map[string]any); ok {
			out = append(out, b)
		}
	}
	return out
}

// elementIn finds the interactive element for (blockID, actionID) inside a
// block list: the input element, an actions block member, or an accessory.
func elementIn(blocks []map[string]any, blockID, actionID string) (map[string]any, bool) {
	for _, b := range blocks {
		if id, _ := b["block_id"].(string); id != blockID {
			continue
		}
		if el, ok := b["element"].(map[string]any); ok {
			return el, true
		}
		if els, ok := b["elements"].([]any); ok {
			for _, raw := range els {
				el, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if aid, _ := el["action_id"].(string); aid == actionID {
					return el, true
				}
			}
		}
		if acc, ok := b["accessory"].(map[string]any); ok {
			return acc, true
		}
	}
	return nil, false
}

// optionWithValue finds the full option object for a value so the canonical
// payload carries the option's text, like the upstream platform does.
func optionWithValue(element map[string]any, value string) map[string]any {
	for _, key := range []string{"options", "initial_options"} {
		opts, _ := element[key].([]any)
		for _, raw := range opts {
			opt, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if v, _ := opt["value"].(string); v == value {
				return opt
			}
		}
	}
	return map[string]any{"value": value}
}

// fileSink stores one embedded upload and returns its assigned file id.
type fileSink func(filename, mimetype string, data []byte) (string, error)

// transformViewValues rewrites UI-submitted form values, keyed
// blockId -> actionId -> raw, into the platform's canonical shapes by
// consulting the stored view's element types. file_input values carrying
// data URLs are decoded and persisted through sink.
func transformViewValues(view map[string]any, values map[string]any, sink fileSink) map[string]any {
	blocks := viewBlocks(view)
	out := make(map[string]any, len(values))
	for blockID, rawActions := range values {
		actions, ok := rawActions.(map[string]any)
		if !ok {
			out[blockID] = rawActions
			continue
		}
		rewritten := make(map[string]any, len(actions))
		for actionID, raw := range actions {
			element, _ := elementIn(blocks, blockID, actionID)
			rewritten[actionID] = canonicalValue(element, raw, sink)
		}
		out[blockID] = rewritten
	}
	return out
}

func canonicalValue(element map[string]any, raw any, sink fileSink) any {
	elType, _ := element["type"].(string)
	value, selected := rawValueParts(raw)

	switch elType {
	case "static_select", "radio_buttons":
		return map[string]any{
			"type":            elType,
			"selected_option": optionWithValue(element, value),
		}
	case "checkboxes":
		opts := make([]any, 0, len(selected))
		for _, v := range selected {
			opts = append(opts, optionWithValue(element, v))
		}
		return map[string]any{"type": elType, "selected_options": opts}
	case "datepicker":
		return map[string]any{"type": elType, "selected_date": value}
	case "timepicker":
		return map[string]any{"type": elType, "selected_time": value}
	case "datetimepicker":
		return map[string]any{"type": elType, "selected_date_time": value}
	case "file_input":
		return canonicalFileValue(raw, sink)
	case "":
		// Unknown element: pass through with only the discriminator fixed up.
		if m, ok := raw.(map[string]any); ok {
			return m
		}
		return map[string]any{"type": "plain_text_input", "value": value}
	default: // plain_text_input and friends
		return map[string]any{"type": elType, "value": value}
	}
}

// rawValueParts normalizes the two shapes the UI submits: a bare string or
// an object carrying value / selected_options.
func rawValueParts(raw any) (value string, selected []string) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case map[string]any:
		if s, ok := v["value"].(string); ok {
			value = s
		}
		if list, ok := v["selected_options"].([]any); ok {
			for _, item := range list {
				switch o := item.(type) {
				case string:
					selected = append(selected, o)
				case map[string]any:
					if s, ok := o["value"].(string); ok {
						selected = append(selected, s)
					}
				}
			}
		}
	}
	return value, selected
}

// canonicalFileValue replaces inline dataUrl payloads with stored file ids.
func canonicalFileValue(raw any, sink fileSink) any {
	m, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{"type": "file_input", "files": []any{}}
	}
	files, _ := m["files"].([]any)
	stored := make([]any, 0, len(files))
	for _, rawFile := range files {
		f, ok := rawFile.(map[string]any)
		if !ok {
			continue
		}
		name, _ := f["name"].(string)
		dataURL, _ := f["dataUrl"].(string)
		mimetype, data, err := decodeDataURL(dataURL)
		if err != nil {
			continue
		}
		id, err := sink(name, mimetype, data)
		if err != nil {
			continue
		}
		stored = append(stored, map[string]any{"id": id})
	}
	return map[string]any{"type": "file_input", "files": stored}
}

// decodeDataURL splits data:<mime>;base64,<payload>.
func decodeDataURL(url string) (mimetype string, data []byte, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data url")
	}
	mimetype = strings.TrimSuffix(meta, ";base64")
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return mimetype, data, nil
}

// buildActionRecord shapes a block action by element type: buttons carry
// value, selects an option, checkboxes an option list, pickers their
// dedicated fields.
func buildActionRecord(body map[string]any, blocks []map[string]any, actionTS string) map[string]any {
	elementType := stringField(body, "element_type")
	actionID := stringField(body, "action_id")
	blockID := stringField(body, "block_id")
	value := stringField(body, "value")

	action := map[string]any{
		"type":      elementType,
		"action_id": actionID,
		"block_id":  blockID,
		"action_ts": actionTS,
	}
	element, _ := elementIn(blocks, blockID, actionID)

	switch elementType {
	case "static_select", "overflow", "radio_buttons":
		action["selected_option"] = optionWithValue(element, value)
	case "checkboxes":
		var values []string
		if list := sliceField(body, "selected_options"); list != nil {
			for _, item := range list {
				switch o := item.(type) {
				case string:
					values = append(values, o)
				case map[string]any:
					if s, ok := o["value"].(string); ok {
						values = append(values, s)
					}
				}
			}
		}
		opts := make([]any, 0, len(values))
		for _, v := range values {
			opts = append(opts, optionWithValue(element, v))
		}
		action["selected_options"] = opts
	case "datepicker":
		action["selected_date"] = value
	case "timepicker":
		action["selected_time"] = value
	case "datetimepicker":
		action["selected_date_time"] = value
	default: // button and friends
		action["value"] = value
	}
	return action
}
