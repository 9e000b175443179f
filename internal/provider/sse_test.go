package provider

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func readAllFrames(t *testing.T, r io.Reader) []string {
	t.Helper()

	frames := newFrameReader(r)
	var payloads []string
	for {
		payload, err := frames.next()
		if errors.Is(err, io.EOF) {
			return payloads
		}
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		payloads = append(payloads, payload)
	}
}

func TestFrameReader_SplitAcrossReads(t *testing.T) {
	body := "data: {\"a\":1}\n\ndata: {\"b\":2}\r\n\r\ndata: [DONE]\n\n"

	payloads := readAllFrames(t, iotest.OneByteReader(strings.NewReader(body)))

	want := []string{`{"a":1}`, `{"b":2}`, `[DONE]`}
	if strings.Join(payloads, "|") != strings.Join(want, "|") {
		t.Errorf("payloads = %v, want %v", payloads, want)
	}
}

func TestFrameReader_IgnoresNonDataLines(t *testing.T) {
	body := ": keep-alive\nevent: message\nid: 7\ndata:{\"x\":true}\n\n"

	payloads := readAllFrames(t, strings.NewReader(body))

	if len(payloads) != 1 || payloads[0] != `{"x":true}` {
		t.Errorf("payloads = %v", payloads)
	}
}

func TestFrameReader_TrailingLineWithoutNewline(t *testing.T) {
	payloads := readAllFrames(t, strings.NewReader("data: [DONE]"))

	if len(payloads) != 1 || payloads[0] != "[DONE]" {
		t.Errorf("payloads = %v", payloads)
	}
}

func TestFrameReader_PropagatesReadErrors(t *testing.T) {
	boom := errors.New("connection reset")
	frames := newFrameReader(iotest.ErrReader(boom))

	if _, err := frames.next(); !errors.Is(err, boom) {
		t.Errorf("expected read error, got %v", err)
	}
}
