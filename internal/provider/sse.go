package provider

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// sseEvent is one server-sent event: the optional "event:" name and the
// joined "data:" payload.
type sseEvent struct {
	Name string
	Data string
}

// readSSE scans body and calls fn for every event until the stream ends, fn
// returns an error, or ctx is done. Closing body on cancellation unblocks the
// scanner.
func readSSE(ctx context.Context, body io.ReadCloser, fn func(sseEvent) (stop bool, err error)) error {
	stopWatch := context.AfterFunc(ctx, func() { body.Close() })
	defer stopWatch()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev sseEvent
	var data []string
	flush := func() (bool, error) {
		if len(data) == 0 {
			ev = sseEvent{}
			return false, nil
		}
		ev.Data = strings.Join(data, "\n")
		stop, err := fn(ev)
		ev, data = sseEvent{}, data[:0]
		return stop, err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if stop, err := flush(); stop || err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	_, err := flush()
	return err
}
