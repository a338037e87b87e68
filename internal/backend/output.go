package backend

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errNoContent = errors.New("no content in output")

// parsers turn a command's stdout into the reply text, by output format.
var parsers = map[string]func([]byte) (string, error){
	"text":  parseText,
	"json":  parseJSON,
	"jsonl": parseJSONLines,
}

func parseText(data []byte) (string, error) {
	return strings.TrimSpace(string(data)), nil
}

// jsonReply covers the single-object replies of agent CLIs, e.g.
// {"type":"result","result":"..."} or {"content":[{"type":"text","text":"..."}]}.
type jsonReply struct {
	Result  json.RawMessage `json:"result"`
	Content json.RawMessage `json:"content"`
	Text    string          `json:"text"`
	Item    *jsonReply      `json:"item"`
	IsError bool            `json:"is_error"`
}

func (r jsonReply) text() string {
	for _, raw := range []json.RawMessage{r.Result, r.Content} {
		if s := textOf(raw); s != "" {
			return s
		}
	}
	if r.Text != "" {
		return r.Text
	}
	if r.Item != nil {
		return r.Item.text()
	}
	return ""
}

// textOf extracts text from a string, a list of {"type":"text","text":...}
// parts, or an object holding such a list under "content".
func textOf(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}

	var nested jsonReply
	if json.Unmarshal(raw, &nested) == nil {
		return nested.text()
	}
	return ""
}

func parseJSON(data []byte) (string, error) {
	var r jsonReply
	if err := json.Unmarshal(bytes.TrimSpace(data), &r); err != nil {
		return "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	content := r.text()
	if r.IsError {
		return "", fmt.Errorf("backend reported an error: %s", content)
	}
	if content == "" {
		return "", errNoContent
	}
	return content, nil
}

// parseJSONLines reads newline-delimited JSON events and returns the text of
// the last event that carries any. Lines that are not JSON are skipped.
func parseJSONLines(data []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var content string
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var r jsonReply
		if json.Unmarshal(line, &r) != nil {
			continue
		}
		if r.IsError {
			return "", fmt.Errorf("backend reported an error: %s", r.text())
		}
		if s := r.text(); s != "" {
			content = s
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading events: %w", err)
	}
	if content == "" {
		return "", errNoContent
	}
	return content, nil
}
