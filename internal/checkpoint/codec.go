package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Format constants for the state file.
const (
	// Version is written by Encode. Version 1 files (no value escaping, no
	// ENV or BUFFER_ENCODING keys) are still readable.
	Version = 2

	// Sentinel separates the KEY=VALUE header from the raw buffer bytes.
	Sentinel = "---BUFFER_DATA---"

	// DefaultRestoredName is used when a checkpoint has no NAME.
	DefaultRestoredName = "Restored Session"

	// maxBufferSection bounds the allocation made for a buffer section so a
	// damaged BUFFER_SIZE cannot exhaust memory.
	maxBufferSection = 64 * 1024 * 1024
)

var (
	// ErrIO wraps file system failures on the state directory.
	ErrIO = errors.New("checkpoint i/o failure")
	// ErrCorruptedState is returned when a state file cannot be decoded.
	ErrCorruptedState = errors.New("corrupted session state")
)

// EnvVar is one environment entry of a session, kept in insertion order.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is the persisted form of one session. Buffer always holds the
// logical (oldest first) terminal history.
type Record struct {
	ID           string
	Name         string
	Command      string
	WorkingDir   string
	Env          []EnvVar
	CreatedAt    time.Time
	LastAccessed time.Time
	Cols         uint16
	Rows         uint16
	PID          int
	TotalBytes   uint64
	SaveCount    uint64

	Buffer []byte
	// BufferCapacity is the capacity of the in-memory buffer the record was
	// taken from. It only feeds BUFFER_FULL.
	BufferCapacity int

	// BufferErr is set by Decode when a buffer section was present but had
	// to be discarded (truncated, failed checksum, undecodable). The record
	// is still usable with an empty buffer.
	BufferErr error
}

// Encode writes rec in the state file format. The buffer section is stored
// with enc; if enc does not shrink the data it is stored raw.
func Encode(w io.Writer, rec *Record, enc Encoding) error {
	bw := bufio.NewWriter(w)

	header := []struct {
		key, value string
	}{
		{"SESSION_VERSION", strconv.Itoa(Version)},
		{"ID", rec.ID},
		{"NAME", rec.Name},
		{"COMMAND", rec.Command},
		{"WORKING_DIR", rec.WorkingDir},
		{"CREATED_AT", strconv.FormatInt(rec.CreatedAt.Unix(), 10)},
		{"LAST_ACCESSED", strconv.FormatInt(rec.LastAccessed.Unix(), 10)},
		{"TERMINAL_COLS", strconv.FormatUint(uint64(rec.Cols), 10)},
		{"TERMINAL_ROWS", strconv.FormatUint(uint64(rec.Rows), 10)},
		{"PROCESS_PID", strconv.Itoa(rec.PID)},
		{"TOTAL_BYTES", strconv.FormatUint(rec.TotalBytes, 10)},
		{"SAVE_COUNT", strconv.FormatUint(rec.SaveCount, 10)},
	}
	for _, kv := range header {
		writeKV(bw, kv.key, kv.value)
	}
	for _, e := range rec.Env {
		writeKV(bw, "ENV", e.Key+"="+e.Value)
	}

	var stored []byte
	if size := len(rec.Buffer); size > 0 {
		var used Encoding
		var err error
		stored, used, err = encodeBuffer(rec.Buffer, enc)
		if err != nil {
			return fmt.Errorf("encode buffer: %w", err)
		}
		full := rec.BufferCapacity > 0 && size >= rec.BufferCapacity
		head := size
		if full {
			head = 0
		}
		writeKV(bw, "BUFFER_SIZE", strconv.Itoa(size))
		writeKV(bw, "BUFFER_HEAD", strconv.Itoa(head))
		writeKV(bw, "BUFFER_FULL", strconv.FormatBool(full))
		writeKV(bw, "BUFFER_CHECKSUM", Checksum(rec.Buffer))
		if used != EncodingNone {
			writeKV(bw, "BUFFER_ENCODING", string(used))
			writeKV(bw, "BUFFER_STORED", strconv.Itoa(len(stored)))
		}
	}

	bw.WriteString(Sentinel)
	bw.WriteByte('\n')
	bw.Write(stored)
	return bw.Flush()
}

func writeKV(w *bufio.Writer, key, value string) {
	w.WriteString(key)
	w.WriteByte('=')
	w.WriteString(escapeValue(value))
	w.WriteByte('\n')
}

// bufferShape collects the BUFFER_* header keys.
type bufferShape struct {
	size     int
	stored   int
	encoding Encoding
	checksum string
}

// Decode reads a state file. expectedID, when non-empty, must match the
// file's ID key; a missing ID key takes expectedID.
//
// Missing NAME is replaced with DefaultRestoredName. Missing COMMAND and
// WORKING_DIR are left empty for the caller to default. A missing or
// damaged buffer section yields an empty Buffer and sets BufferErr.
func Decode(r io.Reader, expectedID string) (*Record, error) {
	br := bufio.NewReader(r)
	rec := &Record{}
	shape := bufferShape{encoding: EncodingNone}
	version := 1
	keys := 0
	sawSentinel := false

	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("%w: read header: %w", ErrIO, readErr)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == Sentinel {
			sawSentinel = true
			break
		}
		if key, value, ok := strings.Cut(line, "="); ok {
			keys++
			if key == "SESSION_VERSION" {
				v, err := strconv.Atoi(value)
				if err != nil || v < 1 || v > Version {
					return nil, fmt.Errorf("%w: unsupported SESSION_VERSION %q", ErrCorruptedState, value)
				}
				version = v
			} else {
				if version >= 2 {
					value = unescapeValue(value)
				}
				if err := rec.set(key, value, &shape); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrCorruptedState, err)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if keys == 0 {
		return nil, fmt.Errorf("%w: no header fields", ErrCorruptedState)
	}
	switch {
	case rec.ID == "":
		rec.ID = expectedID
	case expectedID != "" && rec.ID != expectedID:
		return nil, fmt.Errorf("%w: file holds id %q, expected %q", ErrCorruptedState, rec.ID, expectedID)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("%w: no session id", ErrCorruptedState)
	}
	if rec.Name == "" {
		rec.Name = DefaultRestoredName
	}

	if shape.size > 0 {
		if !sawSentinel {
			rec.BufferErr = errors.New("buffer section missing")
		} else {
			rec.Buffer, rec.BufferErr = readBufferSection(br, shape)
		}
	}
	return rec, nil
}

func readBufferSection(r io.Reader, shape bufferShape) ([]byte, error) {
	stored := shape.size
	if shape.encoding != EncodingNone {
		stored = shape.stored
	}
	if shape.size > maxBufferSection || stored <= 0 || stored > maxBufferSection {
		return nil, fmt.Errorf("implausible buffer size %d (stored %d)", shape.size, stored)
	}
	raw := make([]byte, stored)
	if n, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("buffer truncated: read %d of %d bytes", n, stored)
	}
	data, err := decodeBuffer(raw, shape.encoding, shape.size)
	if err != nil {
		return nil, err
	}
	if shape.checksum != "" && Checksum(data) != shape.checksum {
		return nil, errors.New("buffer checksum mismatch")
	}
	return data, nil
}

func (rec *Record) set(key, value string, shape *bufferShape) error {
	var err error
	switch key {
	case "ID":
		rec.ID = value
	case "NAME":
		rec.Name = value
	case "COMMAND":
		rec.Command = value
	case "WORKING_DIR":
		rec.WorkingDir = value
	case "ENV":
		k, v, _ := strings.Cut(value, "=")
		rec.Env = append(rec.Env, EnvVar{Key: k, Value: v})
	case "CREATED_AT":
		rec.CreatedAt, err = parseUnix(value)
	case "LAST_ACCESSED":
		rec.LastAccessed, err = parseUnix(value)
	case "TERMINAL_COLS":
		rec.Cols, err = parseUint16(value)
	case "TERMINAL_ROWS":
		rec.Rows, err = parseUint16(value)
	case "PROCESS_PID":
		rec.PID, err = strconv.Atoi(value)
	case "TOTAL_BYTES":
		rec.TotalBytes, err = strconv.ParseUint(value, 10, 64)
	case "SAVE_COUNT":
		rec.SaveCount, err = strconv.ParseUint(value, 10, 64)
	case "BUFFER_SIZE":
		shape.size, err = strconv.Atoi(value)
	case "BUFFER_STORED":
		shape.stored, err = strconv.Atoi(value)
	case "BUFFER_ENCODING":
		shape.encoding, err = ParseEncoding(value)
	case "BUFFER_CHECKSUM":
		shape.checksum = value
	case "BUFFER_HEAD", "BUFFER_FULL":
		// Shape of the writer's physical layout. Restores are always linear,
		// so these are informational only.
	}
	if err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	return nil
}

func parseUnix(v string) (time.Time, error) {
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}

func parseUint16(v string) (uint16, error) {
	n, err := strconv.ParseUint(v, 10, 16)
	return uint16(n), err
}

var (
	escaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
)

func escapeValue(v string) string {
	if !strings.ContainsAny(v, "\\\n\r") {
		return v
	}
	return escaper.Replace(v)
}

func unescapeValue(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	return unescaper.Replace(v)
}
