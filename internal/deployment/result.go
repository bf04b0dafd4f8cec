// Package deployment holds the change-set model shared between a preview
// (dry run) and the real transfer, and the contract deployment providers
// implement.
//
// A *Result is produced once per transfer computation. A nil *Result means
// nothing has been computed yet; a non-nil one may be handed back to a
// provider so that it applies exactly the previewed records instead of
// scanning the trees again.
package deployment

import (
	"encoding/json"
	"fmt"

	"github.com/schaermu/beam/internal/config"
)

// Update is the kind of change applied to a file
type Update string

const (
	UpdateDeleted    Update = "deleted"
	UpdateSent       Update = "sent"
	UpdateReceived   Update = "received"
	UpdateCreated    Update = "created"
	UpdateLink       Update = "link"
	UpdateAttributes Update = "attributes"
)

// Updates lists every update kind in display order
var Updates = []Update{UpdateDeleted, UpdateSent, UpdateReceived, UpdateCreated, UpdateLink, UpdateAttributes}

// FileType is the kind of filesystem entry a record refers to
type FileType string

const (
	FileTypeFile      FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
	FileTypeDevice    FileType = "device"
	FileTypeSpecial   FileType = "special"
)

// FileTypes lists every file type
var FileTypes = []FileType{FileTypeFile, FileTypeDirectory, FileTypeSymlink, FileTypeDevice, FileTypeSpecial}

// Reason is the attribute that triggered a change
type Reason string

const (
	ReasonChecksum    Reason = "checksum"
	ReasonNew         Reason = "new"
	ReasonSize        Reason = "size"
	ReasonTime        Reason = "time"
	ReasonPermissions Reason = "permissions"
	ReasonOwner       Reason = "owner"
	ReasonGroup       Reason = "group"
	ReasonACL         Reason = "acl"
	ReasonExtended    Reason = "extended"
	ReasonMissing     Reason = "missing"
	ReasonForced      Reason = "forced"
)

// Reasons lists every reason
var Reasons = []Reason{
	ReasonChecksum, ReasonNew, ReasonSize, ReasonTime, ReasonPermissions, ReasonOwner,
	ReasonGroup, ReasonACL, ReasonExtended, ReasonMissing, ReasonForced,
}

// ChangeRecord describes a single file that will be or was changed
type ChangeRecord struct {
	Filename      string   `json:"filename"`
	LocalFilename string   `json:"localfilename,omitempty"`
	FileType      FileType `json:"filetype"`
	Update        Update   `json:"update"`
	Reasons       []Reason `json:"reason"`
}

// NewChangeRecord builds a validated record
func NewChangeRecord(filename string, fileType FileType, update Update, reasons ...Reason) (ChangeRecord, error) {
	rec := ChangeRecord{
		Filename: filename,
		FileType: fileType,
		Update:   update,
		Reasons:  append([]Reason(nil), reasons...),
	}
	if err := rec.Validate(); err != nil {
		return ChangeRecord{}, err
	}
	return rec, nil
}

// Validate checks the record invariant: a filename, exactly one known file
// type, exactly one known update kind and at least one known reason.
func (r ChangeRecord) Validate() error {
	if r.Filename == "" {
		return fmt.Errorf("change record: filename is required")
	}
	if err := config.OneOf("filetype", r.FileType, FileTypes); err != nil {
		return fmt.Errorf("change record %s: %w", r.Filename, err)
	}
	if err := config.OneOf("update", r.Update, Updates); err != nil {
		return fmt.Errorf("change record %s: %w", r.Filename, err)
	}
	if len(r.Reasons) == 0 {
		return fmt.Errorf("change record %s: at least one reason is required", r.Filename)
	}
	for _, reason := range r.Reasons {
		if err := config.OneOf("reason", reason, Reasons); err != nil {
			return fmt.Errorf("change record %s: %w", r.Filename, err)
		}
	}
	return nil
}

// HasReason reports whether the record lists the given reason
func (r ChangeRecord) HasReason(reason Reason) bool {
	for _, rr := range r.Reasons {
		if rr == reason {
			return true
		}
	}
	return false
}

// Result is the ordered set of change records produced by one transfer
// computation. It is not modified after construction.
type Result struct {
	records []ChangeRecord
}

// NewResult validates the records and wraps them in a Result
func NewResult(records []ChangeRecord) (*Result, error) {
	copied := make([]ChangeRecord, len(records))
	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		rec.Reasons = append([]Reason(nil), rec.Reasons...)
		copied[i] = rec
	}
	return &Result{records: copied}, nil
}

// Len returns the number of records
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.records)
}

// At returns a copy of the record at index i
func (r *Result) At(i int) ChangeRecord {
	rec := r.records[i]
	rec.Reasons = append([]Reason(nil), rec.Reasons...)
	return rec
}

// Records returns a copy of the records in order
func (r *Result) Records() []ChangeRecord {
	if r == nil {
		return nil
	}
	out := make([]ChangeRecord, len(r.records))
	for i := range r.records {
		out[i] = r.At(i)
	}
	return out
}

// Filenames returns the filename of every record in order
func (r *Result) Filenames() []string {
	names := make([]string, 0, r.Len())
	for i := 0; i < r.Len(); i++ {
		names = append(names, r.records[i].Filename)
	}
	return names
}

// CountByUpdate returns the number of records for every update kind.
// All kinds are present in the map, with zero counts where nothing matched.
func (r *Result) CountByUpdate() map[Update]int {
	counts := make(map[Update]int, len(Updates))
	for _, u := range Updates {
		counts[u] = 0
	}
	for i := 0; i < r.Len(); i++ {
		counts[r.records[i].Update]++
	}
	return counts
}

// UpdateCount returns the number of records with the given update kind
func (r *Result) UpdateCount(u Update) int {
	n := 0
	for i := 0; i < r.Len(); i++ {
		if r.records[i].Update == u {
			n++
		}
	}
	return n
}

// MarshalJSON encodes the result as a list of record mappings
func (r *Result) MarshalJSON() ([]byte, error) {
	if r == nil || r.records == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.records)
}
