package stream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderParsesFrames(t *testing.T) {
	raw := ": keep-alive\n\n" +
		"id: 7-0\r\nevent: incident.created\r\ndata: {\"a\":\r\ndata: 1}\r\n\r\n" +
		"retry: 5000\n\n" +
		"event: heartbeat\ndata:\n\n" +
		"data:{\"event\":\"ticket.created\"}\n\n"
	r := NewReader(io.NopCloser(strings.NewReader(raw)))

	f, err := r.Next()
	require.NoError(t, err)
	assert.True(t, f.Comment)

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "7-0", f.ID)
	assert.Equal(t, "incident.created", f.Event)
	assert.Equal(t, "{\"a\":\n1}", string(f.Data))

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", f.Event)
	assert.Empty(t, f.Data)

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"ticket.created"}`, string(f.Data))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsOversizedFrame(t *testing.T) {
	big := strings.Repeat("x", 2<<20)
	raw := "id: 8-0\nevent: telemetry.updated\ndata: " + big + "\n\n" +
		"id: 9-0\ndata: {\"event\":\"incident.created\"}\n\n"
	r := NewReader(io.NopCloser(strings.NewReader(raw)))

	f, err := r.Next()
	require.NoError(t, err)
	assert.True(t, f.Oversized)
	assert.Equal(t, "8-0", f.ID)
	assert.Nil(t, f.Data)

	f, err = r.Next()
	require.NoError(t, err)
	assert.False(t, f.Oversized)
	assert.Equal(t, "9-0", f.ID)
	assert.Equal(t, `{"event":"incident.created"}`, string(f.Data))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderDropsEventWhoseDataLinesAddUpPastLimit(t *testing.T) {
	line := "data: " + strings.Repeat("y", 600<<10) + "\n"
	raw := "id: 10-0\n" + line + line + "\n" + ": keep-alive\n"
	r := NewReader(io.NopCloser(strings.NewReader(raw)))

	f, err := r.Next()
	require.NoError(t, err)
	assert.True(t, f.Oversized)
	assert.Equal(t, "10-0", f.ID)

	f, err = r.Next()
	require.NoError(t, err)
	assert.True(t, f.Comment)
}

func TestResumeURL(t *testing.T) {
	got, err := ResumeURL("http://ops.local/stream/ops?topic=all", "41-0")
	require.NoError(t, err)
	assert.Equal(t, "http://ops.local/stream/ops?since=41-0&topic=all", got)

	got, err = ResumeURL("http://ops.local/stream/ops", "")
	require.NoError(t, err)
	assert.Equal(t, "http://ops.local/stream/ops", got)
}

func TestHTTPDialerSendsResumeHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "41-0", r.URL.Query().Get("since"))
		assert.Equal(t, "41-0", r.Header.Get("Last-Event-ID"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("id: 42-0\ndata: {\"event\":\"system.heartbeat\"}\n\n"))
	}))
	defer srv.Close()

	target, err := ResumeURL(srv.URL+"/stream/ops", "41-0")
	require.NoError(t, err)
	conn, err := (&HTTPDialer{Client: srv.Client()}).Dial(context.Background(), target, "41-0")
	require.NoError(t, err)
	defer conn.Close()

	f, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, "42-0", f.ID)
}

func TestHTTPDialerRejectsNonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := (&HTTPDialer{Client: srv.Client()}).Dial(context.Background(), srv.URL, "")
	assert.Error(t, err)
}
