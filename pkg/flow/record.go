package flow

import (
	"time"

	"github.com/google/uuid"
)

// Core attributes every record carries.
const (
	AttrFilename = "filename"
	AttrPath     = "path"
	AttrUUID     = "uuid"

	AttrExceptionReport = "ExceptionReport"
)

type Relationship string

const (
	RelSuccess Relationship = "success"
	RelFailure Relationship = "failure"
	RelReject  Relationship = "reject"
	RelNoFile  Relationship = "no_file"
)

// Record is the unit of work moving between processors: a set of string
// attributes plus an optional reference to content bytes.
type Record struct {
	ID             string            `json:"id"`
	Attributes     map[string]string `json:"attributes"`
	Size           int64             `json:"size"`
	ContentRef     string            `json:"content_ref,omitempty"`
	PenalizedUntil time.Time         `json:"penalized_until,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewRecord creates a record with a fresh ID.
func NewRecord(attrs map[string]string) *Record {
	id := uuid.NewString()
	rec := &Record{
		ID:         id,
		Attributes: make(map[string]string, len(attrs)+3),
		CreatedAt:  time.Now().UTC(),
	}
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	rec.Attributes[AttrUUID] = id
	return rec
}

// EnsureCoreAttributes defaults filename to the record ID and path to "./"
// when either is missing.
func (r *Record) EnsureCoreAttributes() {
	if r.Attributes == nil {
		r.Attributes = make(map[string]string, 3)
	}
	if r.Attributes[AttrFilename] == "" {
		r.Attributes[AttrFilename] = r.ID
	}
	if r.Attributes[AttrPath] == "" {
		r.Attributes[AttrPath] = "./"
	}
}

// Attribute returns the named attribute or the empty string.
func (r *Record) Attribute(name string) string {
	if r == nil || r.Attributes == nil {
		return ""
	}
	return r.Attributes[name]
}

// AttributeMap returns the attribute set; it is never nil.
func (r *Record) AttributeMap() map[string]string {
	if r == nil || r.Attributes == nil {
		return map[string]string{}
	}
	return r.Attributes
}

func (r *Record) RemoveAttributes(names ...string) {
	for _, name := range names {
		delete(r.Attributes, name)
	}
}

func (r *Record) PutAttributes(attrs map[string]string) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]string, len(attrs))
	}
	for k, v := range attrs {
		r.Attributes[k] = v
	}
}

// Child creates a content-less record inheriting the attributes of r. A nil
// parent yields a plain new record.
func (r *Record) Child() *Record {
	if r == nil {
		return NewRecord(nil)
	}
	attrs := make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		if k == AttrUUID {
			continue
		}
		attrs[k] = v
	}
	return NewRecord(attrs)
}

func (r *Record) IsPenalized(now time.Time) bool {
	return !r.PenalizedUntil.IsZero() && now.Before(r.PenalizedUntil)
}

// Outcome is the terminal routing decision for one record.
type Outcome struct {
	Record       *Record
	Relationship Relationship
}
