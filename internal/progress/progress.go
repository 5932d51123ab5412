// Package progress defines the events emitted while a document is ingested
// and their server-sent-event encoding.
package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Event is either Progress or Done.
type Event interface {
	isEvent()
}

// Progress reports that page Page of Total has been processed. Page is
// 1-based.
type Progress struct {
	Page  int
	Total int
}

// Done is emitted once after the final flush.
type Done struct{}

func (Progress) isEvent() {}
func (Done) isEvent()     {}

// Label renders the event's progress value: "page/total" or "done".
func Label(ev Event) string {
	switch e := ev.(type) {
	case Progress:
		return strconv.Itoa(e.Page) + "/" + strconv.Itoa(e.Total)
	case Done:
		return "done"
	}
	return ""
}

// Func consumes events. A nil Func discards them.
type Func func(Event)

// Emit sends ev if f is non-nil.
func (f Func) Emit(ev Event) {
	if f != nil {
		f(ev)
	}
}

// WriteSSE writes ev as a single data frame.
func WriteSSE(w io.Writer, ev Event) error {
	return writeFrame(w, "progress", Label(ev))
}

// WriteSSEError writes a terminal error frame.
func WriteSSEError(w io.Writer, err error) error {
	return writeFrame(w, "error", err.Error())
}

// writeFrame emits `data: {"key": "value"}` followed by a blank line.
func writeFrame(w io.Writer, key, value string) error {
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: {%q: %s}\n\n", key, v); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
