package docker

import (
	"bytes"
	"fmt"
	"io"
	"jobwatch/internal/apperrors"
	"jobwatch/internal/job"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
)

// Message importance for each output stream.
const (
	importanceStdout = "JOB_MESSAGE_BASIC"
	importanceStderr = "JOB_MESSAGE_ERROR"
)

// logLine is one line of container output.
type logLine struct {
	stream string
	time   time.Time
	text   string
}

// readLogLines decodes a container log stream requested with timestamps.
// Non-TTY streams are multiplexed; stdcopy hands each frame to the writer
// of its stream, so lines keep their original order across streams.
func readLogLines(r io.Reader, tty bool) ([]logLine, error) {
	if tty {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read logs: %w", err)
		}
		return parseLines(data, "stdout"), nil
	}

	var lines []logLine
	stdout := &streamWriter{stream: "stdout", lines: &lines}
	stderr := &streamWriter{stream: "stderr", lines: &lines}
	if _, err := stdcopy.StdCopy(stdout, stderr, r); err != nil {
		return lines, fmt.Errorf("failed to read log stream: %w", err)
	}
	return lines, nil
}

// streamWriter parses every frame written to it as lines of one stream.
type streamWriter struct {
	stream string
	lines  *[]logLine
}

func (w *streamWriter) Write(p []byte) (int, error) {
	*w.lines = append(*w.lines, parseLines(p, w.stream)...)
	return len(p), nil
}

func parseLines(data []byte, stream string) []logLine {
	var lines []logLine
	for _, raw := range bytes.Split(data, []byte("\n")) {
		line := strings.TrimSuffix(string(raw), "\r")
		if line == "" {
			continue
		}
		l := logLine{stream: stream, text: line}
		if ts, rest, ok := strings.Cut(line, " "); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				l.time = t
				l.text = rest
			}
		}
		lines = append(lines, l)
	}
	return lines
}

// messagePage slices lines into one page of job messages. The page token is
// the offset of the first line.
func messagePage(lines []logLine, pageToken string, pageSize int) (*job.ListJobMessagesResponse, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, apperrors.Validation("pageToken", fmt.Sprintf("invalid page token %q", pageToken))
		}
		offset = n
	}
	offset = min(offset, len(lines))
	end := min(offset+pageSize, len(lines))

	resp := &job.ListJobMessagesResponse{JobMessages: make([]job.Message, 0, end-offset)}
	for i, l := range lines[offset:end] {
		importance := importanceStdout
		if l.stream == "stderr" {
			importance = importanceStderr
		}
		resp.JobMessages = append(resp.JobMessages, job.Message{
			ID:                strconv.Itoa(offset + i),
			Time:              l.time,
			MessageText:       l.text,
			MessageImportance: importance,
		})
	}
	if end < len(lines) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	return resp, nil
}
