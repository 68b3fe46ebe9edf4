// Package event defines the identifiers the telemetry facility logs
// about its own operation, plus the catalog used to decode identifiers
// to names. The embedding application extends the catalog with names
// for its own events; identifiers are stored as int32 on the wire so
// logs decode the same way on every platform.
package event

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/ehrlich-b/blackbox/internal/record"
)

// System events. These values are part of the on-disk and on-wire
// format: never reorder or remove entries, only append.
const (
	None int32 = iota
	LogStart
	LogStartAgain
	LogStop
	TimeWrap
	EntriesOverwritten
	LogFileOpen
	LogFileOpenFailure
	LogFileClose
	LogFileWriteFailure
	LogPathTooLong
	LogNoFreeName
	FileOpen
	FileOpenFailure
	FileClose
	FileDeleted
	FileDeleteFailure
	DirOpen
	DirOpenFailure
	FilesToUpload
	UploadStarting
	UploadByteCount
	UploadCompleted
	UploadTaskCompleted
	DNSLookup
	DNSLookupFailure
	Connecting
	ConnectFailure
	Connected
	SendFailure

	// Generic events for the embedding application.
	User0
	User1
	User2
	User3
	User4
	User5
	User6
	User7
	User8
	User9
)

var systemNames = []string{
	"NONE",
	"LOG_START",
	"LOG_START_AGAIN",
	"LOG_STOP",
	"TIME_WRAP",
	"ENTRIES_OVERWRITTEN",
	"LOG_FILE_OPEN",
	"LOG_FILE_OPEN_FAILURE",
	"LOG_FILE_CLOSE",
	"LOG_FILE_WRITE_FAILURE",
	"LOG_PATH_TOO_LONG",
	"LOG_NO_FREE_NAME",
	"FILE_OPEN",
	"FILE_OPEN_FAILURE",
	"FILE_CLOSE",
	"FILE_DELETED",
	"FILE_DELETE_FAILURE",
	"DIR_OPEN",
	"DIR_OPEN_FAILURE",
	"FILES_TO_UPLOAD",
	"UPLOAD_STARTING",
	"UPLOAD_BYTE_COUNT",
	"UPLOAD_COMPLETED",
	"UPLOAD_TASK_COMPLETED",
	"DNS_LOOKUP",
	"DNS_LOOKUP_FAILURE",
	"CONNECTING",
	"CONNECT_FAILURE",
	"CONNECTED",
	"SEND_FAILURE",
	"USER_0",
	"USER_1",
	"USER_2",
	"USER_3",
	"USER_4",
	"USER_5",
	"USER_6",
	"USER_7",
	"USER_8",
	"USER_9",
}

// Catalog maps event identifiers to human-readable names.
type Catalog struct {
	names []string
}

// NewCatalog returns the system catalog extended with application
// event names, assigned identifiers following the system block.
func NewCatalog(appNames ...string) Catalog {
	names := make([]string, 0, len(systemNames)+len(appNames))
	names = append(names, systemNames...)
	names = append(names, appNames...)
	return Catalog{names: names}
}

// Name returns the name for an identifier, or false if it is outside
// the catalog.
func (c Catalog) Name(id int32) (string, bool) {
	if id < 0 || int(id) >= len(c.names) {
		return "", false
	}
	return c.names[id], true
}

// Len returns the number of catalogued identifiers.
func (c Catalog) Len() int {
	return len(c.names)
}

// Format writes one decoded entry to w as a human-readable line.
// Timestamps print in milliseconds. Identifiers outside the catalog
// are reported rather than treated as an error.
func Format(w io.Writer, index int, e record.Entry, c Catalog) {
	ms := float64(e.Timestamp) / 1000
	name, ok := c.Name(e.Event)
	if !ok {
		fmt.Fprintf(w, "%10.3f: out of range event at entry %d (%d when max is %d)\n",
			ms, index, e.Event, c.Len())
		return
	}
	fmt.Fprintf(w, "%10.3f: %s [%d] %d (%#x)\n",
		ms, name, e.Event, e.Parameter, uint32(e.Parameter))
}

// Code extracts a numeric code from an error for use as an entry
// parameter. OS errors yield their errno; anything else yields -1.
func Code(err error) int32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return -1
}
