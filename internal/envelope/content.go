package envelope

import "encoding/json"

// ContentType is a bit set describing the JSON content of a payload frame.
type ContentType int

const (
	ContentInvalid  ContentType = 0
	ContentRequest  ContentType = 1 << iota
	ContentResponse
	ContentResult
	ContentError
	ContentBatch

	ContentResultResponse = ContentResponse | ContentResult
	ContentErrorResponse  = ContentResponse | ContentError
)

// Contains reports whether all bits of sub are set.
func (c ContentType) Contains(sub ContentType) bool {
	return c&sub == sub && (sub != ContentInvalid || c == ContentInvalid)
}

func singleObjectType(element json.RawMessage) ContentType {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(element, &obj); err != nil {
		return ContentInvalid
	}
	if _, ok := obj["method"]; ok {
		return ContentRequest
	}
	if _, ok := obj["result"]; ok {
		return ContentResultResponse
	}
	if _, ok := obj["error"]; ok {
		return ContentErrorResponse
	}
	return ContentInvalid
}

// ClassifyContent inspects a JSON payload frame and reports whether it is a
// request, a result response, an error response or a batch thereof. A batch
// accumulates the types of its elements; a single invalid element renders
// the whole batch invalid.
func ClassifyContent(data []byte) ContentType {
	trimmed := trimLeftSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(data, &elements); err != nil || len(elements) == 0 {
			return ContentInvalid
		}
		content := ContentBatch
		for _, element := range elements {
			t := singleObjectType(element)
			if t == ContentInvalid {
				return ContentInvalid
			}
			content |= t
		}
		return content
	}
	var element json.RawMessage
	if err := json.Unmarshal(data, &element); err != nil {
		return ContentInvalid
	}
	return singleObjectType(element)
}

func trimLeftSpace(data []byte) []byte {
	for len(data) > 0 {
		switch data[0] {
		case ' ', '\t', '\r', '\n':
			data = data[1:]
		default:
			return data
		}
	}
	return data
}
