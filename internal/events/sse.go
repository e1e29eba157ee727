package events

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WriteEvent writes one SSE event. An empty name produces an unnamed event,
// which EventSource clients receive through onmessage.
func WriteEvent(w io.Writer, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// WriteComment writes an SSE comment line, used for keep-alives.
func WriteComment(w io.Writer, text string) error {
	text = strings.ReplaceAll(text, "\n", " ")
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
