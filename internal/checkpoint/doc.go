// Package checkpoint reads and writes session state files.
//
// Each session is stored as <state dir>/<id>.state: a block of KEY=VALUE
// lines, the sentinel line "---BUFFER_DATA---", then the session's terminal
// history in logical (oldest first) order.
//
//	SESSION_VERSION=2
//	ID=550e8400-e29b-41d4-a716-446655440000
//	NAME=build box
//	COMMAND=/bin/bash
//	WORKING_DIR=/home/abc
//	CREATED_AT=1760000000
//	LAST_ACCESSED=1760000300
//	TERMINAL_COLS=80
//	TERMINAL_ROWS=24
//	PROCESS_PID=0
//	TOTAL_BYTES=5
//	SAVE_COUNT=3
//	BUFFER_SIZE=5
//	BUFFER_HEAD=5
//	BUFFER_FULL=false
//	BUFFER_CHECKSUM=<blake3 hex>
//	---BUFFER_DATA---
//	hello
//
// Because the buffer bytes are always logical, a restore appends them to an
// empty buffer; BUFFER_HEAD and BUFFER_FULL describe that linear layout and
// are not used to rebuild a wrapped one.
//
// Version 2 adds backslash escaping of header values, repeated ENV keys,
// BUFFER_CHECKSUM and optional lz4/zstd encoding of the buffer section
// (BUFFER_ENCODING, BUFFER_STORED). Version 1 files are still read.
//
// # Log Prefixes
//
// This package does not log; callers log with the session id.
package checkpoint
