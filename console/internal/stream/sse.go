package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxFrameBytes = 1 << 20

// Frame is one dispatched server-sent event. Comment frames carry no event
// and only prove the connection is alive. Oversized frames carry their id
// but no data.
type Frame struct {
	ID        string
	Event     string
	Data      []byte
	Comment   bool
	Oversized bool
}

type Conn interface {
	Next() (Frame, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, target string, lastEventID string) (Conn, error)
}

// ResumeURL appends since=<lastEventID> to base. An empty id leaves base as is.
func ResumeURL(base string, lastEventID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if lastEventID == "" {
		return u.String(), nil
	}
	q := u.Query()
	q.Set("since", lastEventID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type HTTPDialer struct {
	Client *http.Client
	Header http.Header
}

func (d *HTTPDialer) Dial(ctx context.Context, target string, lastEventID string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected stream content type %q", ct)
	}
	return NewReader(resp.Body), nil
}

// Reader parses the text/event-stream format from r.
type Reader struct {
	body io.ReadCloser
	br   *bufio.Reader
	line []byte
}

func NewReader(body io.ReadCloser) *Reader {
	return &Reader{body: body, br: bufio.NewReaderSize(body, 64*1024)}
}

// Next blocks until a full event or a comment line has been read. An event
// whose data exceeds maxFrameBytes is returned with Oversized set and no
// data; the stream stays usable.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    [][]byte
		size    int
		pending bool
	)
	for {
		line, over, err := r.readLine()
		if err != nil {
			return Frame{}, err
		}
		if len(line) == 0 {
			if !pending {
				continue
			}
			if !f.Oversized {
				f.Data = bytes.Join(data, []byte("\n"))
			}
			return f, nil
		}
		if line[0] == ':' {
			if pending {
				continue
			}
			return Frame{Comment: true}, nil
		}
		field, value := splitField(line)
		switch field {
		case "id":
			if !over {
				f.ID = string(value)
			}
		case "event":
			if !over {
				f.Event = string(value)
			}
		case "data":
			size += len(value) + 1
			if over || size > maxFrameBytes {
				f.Oversized = true
				data = nil
			} else if !f.Oversized {
				data = append(data, append([]byte(nil), value...))
			}
		default:
			// retry: and unknown fields; reconnect timing is ours
			continue
		}
		pending = true
	}
}

// readLine returns the next line without its terminator. Bytes past
// maxFrameBytes are discarded up to the end of the line and over is set.
func (r *Reader) readLine() ([]byte, bool, error) {
	r.line = r.line[:0]
	over := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if room := maxFrameBytes - len(r.line); len(chunk) > room {
			chunk = chunk[:room]
			over = true
		}
		r.line = append(r.line, chunk...)
		switch {
		case err == nil:
			line := bytes.TrimSuffix(r.line, []byte("\n"))
			return bytes.TrimSuffix(line, []byte("\r")), over, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, false, err
		}
	}
}

func (r *Reader) Close() error {
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}

func splitField(line []byte) (string, []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}
