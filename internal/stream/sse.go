package stream

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one server-sent event: an event-type line and a data line
// holding a JSON document.
type Frame struct {
	Event string
	Data  string
}

// frameDecoder reads text/event-stream frames. Comment lines (":" prefix,
// used by the agent as heartbeats) are skipped; multiple data lines within
// one frame are joined with newlines per the SSE format.
type frameDecoder struct {
	scanner *bufio.Scanner
}

func newFrameDecoder(r io.Reader) *frameDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &frameDecoder{scanner: sc}
}

// Next returns the next complete frame. io.EOF signals a cleanly closed
// stream; any other error is a transport failure.
func (d *frameDecoder) Next() (Frame, error) {
	var (
		frame    Frame
		dataSeen bool
		data     []string
	)
	for d.scanner.Scan() {
		line := d.scanner.Text()

		// Blank line terminates the frame.
		if line == "" {
			if dataSeen {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			// Heartbeat or comment-only frame; keep reading.
			frame = Frame{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
		case "data":
			dataSeen = true
			data = append(data, value)
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, err
	}
	if dataSeen {
		frame.Data = strings.Join(data, "\n")
		return frame, nil
	}
	return Frame{}, io.EOF
}
