package sse

import (
	"bytes"

	"github.com/tidwall/gjson"
)

var (
	dataPrefix = []byte("data:")
	sentinel   = []byte("[DONE]")
)

// event is the tolerant view of one data payload. Absent fields stay empty.
type event struct {
	role     string
	content  string
	hasUsage bool

	// terminal is set when the payload carries no choices or a finish reason,
	// so a usage block on it closes the stream.
	terminal bool
}

// parseEvent reads the few fields the rewriter cares about. It reports false
// for anything that is not a JSON object.
func parseEvent(payload []byte) (event, bool) {
	if !gjson.ValidBytes(payload) {
		return event{}, false
	}

	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return event{}, false
	}

	fields := gjson.GetManyBytes(payload,
		"choices.0.delta.role",
		"choices.0.delta.content",
		"usage",
		"choices.#",
		"choices.0.finish_reason",
	)

	ev := event{}
	if fields[0].Type == gjson.String {
		ev.role = fields[0].String()
	}
	if fields[1].Type == gjson.String {
		ev.content = fields[1].String()
	}
	ev.hasUsage = fields[2].Exists() && fields[2].Type != gjson.Null
	ev.terminal = fields[3].Int() == 0 || (fields[4].Type == gjson.String && fields[4].String() != "")

	return ev, true
}

// dataPayload returns the payload of a `data:` line, without the optional
// single leading space.
func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}

	payload := line[len(dataPrefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}

	return payload, true
}

func isSentinel(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), sentinel)
}
