package terminal

import (
	"encoding/binary"
	"testing"
	"unicode/utf8"
)

func TestTerminalBuffer(t *testing.T) {
	buffer := NewTerminalBuffer(80, 24)

	text := "Hello, World!"
	n, err := buffer.Write([]byte(text))
	if err != nil {
		t.Fatalf("Failed to write to buffer: %v", err)
	}
	if n != len(text) {
		t.Errorf("Expected to write %d bytes, wrote %d", len(text), n)
	}

	snapshot := buffer.GetSnapshot()
	if snapshot.Cols != 80 || snapshot.Rows != 24 {
		t.Errorf("Unexpected dimensions: %dx%d", snapshot.Cols, snapshot.Rows)
	}

	firstLine := snapshot.Cells[0]
	for i, ch := range text {
		if i >= len(firstLine) {
			break
		}
		if firstLine[i].Char != ch {
			t.Errorf("Expected char %c at position %d, got %c", ch, i, firstLine[i].Char)
		}
	}

	buffer.Write([]byte("\r\n"))
	snapshot = buffer.GetSnapshot()
	if snapshot.CursorY != 1 || snapshot.CursorX != 0 {
		t.Errorf("Expected cursor at (0,1), got (%d,%d)", snapshot.CursorX, snapshot.CursorY)
	}

	buffer.Write([]byte("\x1b[2J")) // Clear screen
	snapshot = buffer.GetSnapshot()
	for y := 0; y < snapshot.Rows; y++ {
		for x := 0; x < snapshot.Cols; x++ {
			if snapshot.Cells[y][x].Char != ' ' {
				t.Errorf("Expected space at (%d,%d), got %c", x, y, snapshot.Cells[y][x].Char)
			}
		}
	}

	buffer.Resize(120, 30)
	snapshot = buffer.GetSnapshot()
	if snapshot.Cols != 120 || snapshot.Rows != 30 {
		t.Errorf("Resize failed: expected 120x30, got %dx%d", snapshot.Cols, snapshot.Rows)
	}
}

func TestTerminalBufferTitle(t *testing.T) {
	buffer := NewTerminalBuffer(10, 2)
	buffer.Write([]byte("\x1b]2;my session\x07"))
	if got := buffer.Title(); got != "my session" {
		t.Errorf("expected title %q, got %q", "my session", got)
	}
}

func TestEscapeScanner(t *testing.T) {
	scanner := NewEscapeScanner()

	var printedChars []rune
	var executedBytes []byte
	var csiCalls []string

	scanner.OnPrint = func(r rune) {
		printedChars = append(printedChars, r)
	}
	scanner.OnExecute = func(b byte) {
		executedBytes = append(executedBytes, b)
	}
	scanner.OnCsi = func(params []int, intermediate []byte, final byte) {
		csiCalls = append(csiCalls, string(final))
	}

	scanner.Feed([]byte("Hello"))
	if string(printedChars) != "Hello" {
		t.Errorf("Expected 'Hello', got '%s'", string(printedChars))
	}

	printedChars = nil
	scanner.Feed([]byte("\r\n"))
	if len(executedBytes) != 2 || executedBytes[0] != '\r' || executedBytes[1] != '\n' {
		t.Errorf("Control characters not properly executed")
	}

	scanner.Feed([]byte("\x1b[2J"))
	if len(csiCalls) != 1 || csiCalls[0] != "J" {
		t.Errorf("CSI sequence not properly parsed")
	}
}

func TestEscapeScannerSplitAcrossFeedCalls(t *testing.T) {
	scanner := NewEscapeScanner()
	var csiCalls []string
	scanner.OnCsi = func(params []int, intermediate []byte, final byte) {
		csiCalls = append(csiCalls, string(final))
	}

	scanner.Feed([]byte("\x1b["))
	scanner.Feed([]byte("2J"))
	if len(csiCalls) != 1 || csiCalls[0] != "J" {
		t.Errorf("expected a CSI sequence split across Feed calls to still resolve, got %v", csiCalls)
	}
}

func TestEscapeScannerOscBufCap(t *testing.T) {
	scanner := NewEscapeScanner()
	var gotParams [][]byte
	scanner.OnOsc = func(params [][]byte) { gotParams = params }

	oversized := make([]byte, maxOscBufLen+10)
	for i := range oversized {
		oversized[i] = 'a'
	}
	scanner.Feed([]byte("\x1b]0;"))
	scanner.Feed(oversized)
	scanner.Feed([]byte("\x07"))

	if len(gotParams) != 2 {
		t.Fatalf("expected 2 OSC params, got %d", len(gotParams))
	}
	// The cap applies to the whole OSC buffer, which also holds the "0;"
	// prefix, so the title parameter gets what remains of it.
	if want := maxOscBufLen - len("0;"); len(gotParams[1]) != want {
		t.Errorf("expected OSC buffer capped at %d bytes (title param %d), got %d", maxOscBufLen, want, len(gotParams[1]))
	}
}

func TestEncodeSnapshotDimensions(t *testing.T) {
	buffer := NewTerminalBuffer(2, 2)
	buffer.Write([]byte("AB\r\nCD"))

	snapshot := buffer.GetSnapshot()
	data := snapshot.EncodeSnapshot()

	if len(data) < 20 {
		t.Fatalf("encoded snapshot too short: %d bytes", len(data))
	}

	cols := binary.LittleEndian.Uint32(data[0:4])
	rows := binary.LittleEndian.Uint32(data[4:8])
	if cols != 2 || rows != 2 {
		t.Errorf("Invalid dimensions: %dx%d", cols, rows)
	}
}

func TestEncodeSnapshotRoundTripsCells(t *testing.T) {
	buffer := NewTerminalBuffer(3, 1)
	buffer.Write([]byte("A\xc3\xa9!")) // 'A', 'é', '!'

	snapshot := buffer.GetSnapshot()
	data := snapshot.EncodeSnapshot()

	offset := 20 // five uint32 header fields
	var decoded []rune
	for i := 0; i < snapshot.Rows*snapshot.Cols; i++ {
		n := int(data[offset])
		offset++
		r, size := utf8.DecodeRune(data[offset : offset+n])
		if size != n {
			t.Fatalf("unexpected rune byte length at cell %d", i)
		}
		decoded = append(decoded, r)
		offset += n + 4 + 4 + 1 // fg + bg + flags
	}

	want := []rune{'A', 'é', '!'}
	for i, r := range want {
		if decoded[i] != r {
			t.Errorf("cell %d: expected %q, got %q", i, r, decoded[i])
		}
	}
}
