package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"
)

// frameReader pulls "data:" payloads out of an SSE body. Lines split across network reads are
// held in the bufio buffer until their newline arrives; other SSE fields and comments are ignored.
type frameReader struct {
	reader *bufio.Reader
}

func newFrameReader(body io.Reader) *frameReader {
	return &frameReader{reader: bufio.NewReaderSize(body, 64*1024)}
}

// next returns the payload of the next data line. It returns io.EOF once the body is exhausted.
func (r *frameReader) next() (string, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")

		if payload, ok := strings.CutPrefix(line, sseDataPrefix); ok {
			return strings.TrimPrefix(payload, " "), nil
		}

		if err != nil {
			return "", err
		}
	}
}
