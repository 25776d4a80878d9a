// SPDX-License-Identifier: Apache-2.0

package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

const maxEventLineSize = 4 << 20

// Event is one dispatched text/event-stream event.
type Event struct {
	ID    string
	Type  string
	Data  []byte
	Retry time.Duration
}

// Reader splits a text/event-stream body into events.
type Reader struct {
	scanner *bufio.Scanner
	lastID  string
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineSize)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is available. It returns io.EOF when
// the stream ends; a partially received event is dropped.
func (r *Reader) Next() (Event, error) {
	var (
		data    bytes.Buffer
		hasData bool
		ev      Event
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if !hasData {
				ev = Event{}
				continue
			}
			ev.ID = r.lastID
			if ev.Type == "" {
				ev.Type = "message"
			}
			ev.Data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
			hasData = true
		case "event":
			ev.Type = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// LastEventID is the most recent id seen on the stream.
func (r *Reader) LastEventID() string {
	return r.lastID
}
