// Package ot implements the operation model and transform engine for
// collaborative text editing. Operations are value types; transforming or
// stamping an operation returns a new value.
package ot

import (
	"errors"

	"github.com/google/uuid"
)

// Kind tags used on the wire and in logs.
const (
	KindInsert  = "insert"
	KindDelete  = "delete"
	KindReplace = "replace"
)

// Meta carries the identity and sequencing fields shared by every
// operation kind.
type Meta struct {
	ID          uuid.UUID
	UserID      string
	ExpectedSeq uint64
	// ServerSeq is 0 until the server assigns a sequence number. Assigned
	// sequence numbers start at 1, so 0 never collides with a real one.
	ServerSeq uint64
}

// OpMeta returns the operation's metadata. Promoted onto every variant
// through embedding.
func (m Meta) OpMeta() Meta { return m }

// Op is a single edit operation. Exactly three kinds exist: Insert,
// Delete and Replace. Every transform-table case switches exhaustively
// over these.
type Op interface {
	// OpMeta returns the shared identity/sequencing fields.
	OpMeta() Meta
	// Kind returns the wire tag for this operation.
	Kind() string
	// Validate checks the operation against the content it claims to
	// edit. Returns a *ValidationError on failure.
	Validate(content string) error
	// Apply performs the edit. Content must have passed Validate; Apply
	// still guards bounds and errors rather than slicing out of range.
	Apply(content string) (string, error)
	// Span returns the half-open range of content affected. Inserts
	// report an empty range at their position.
	Span() (start, end int)
	// WithServerSeq returns a copy of the operation with the assigned
	// server sequence number.
	WithServerSeq(seq uint64) Op
}

// Insert adds Text at Pos.
type Insert struct {
	Meta
	Pos  int
	Text string
}

func (op Insert) Kind() string { return KindInsert }

func (op Insert) Apply(content string) (string, error) {
	if op.Pos < 0 || op.Pos > len(content) {
		return "", errors.New("insert out of bounds")
	}
	return content[:op.Pos] + op.Text + content[op.Pos:], nil
}

func (op Insert) Span() (int, int) { return op.Pos, op.Pos }

func (op Insert) WithServerSeq(seq uint64) Op {
	op.ServerSeq = seq
	return op
}

// Delete removes Len bytes starting at Pos. A transformed Delete may end
// up with Len 0, which applies as a no-op.
type Delete struct {
	Meta
	Pos int
	Len int
}

func (op Delete) Kind() string { return KindDelete }

func (op Delete) Apply(content string) (string, error) {
	if op.Pos < 0 || op.Len < 0 || op.Pos+op.Len > len(content) {
		return "", errors.New("delete out of bounds")
	}
	return content[:op.Pos] + content[op.Pos+op.Len:], nil
}

func (op Delete) Span() (int, int) { return op.Pos, op.Pos + op.Len }

func (op Delete) WithServerSeq(seq uint64) Op {
	op.ServerSeq = seq
	return op
}

// Replace substitutes the selection [Start, End) with Text. Text may be
// empty, which makes Replace a pure delete over the selection.
type Replace struct {
	Meta
	Start int
	End   int
	Text  string
}

func (op Replace) Kind() string { return KindReplace }

func (op Replace) Apply(content string) (string, error) {
	if op.Start < 0 || op.End < op.Start || op.End > len(content) {
		return "", errors.New("replace out of bounds")
	}
	return content[:op.Start] + op.Text + content[op.End:], nil
}

func (op Replace) Span() (int, int) { return op.Start, op.End }

func (op Replace) WithServerSeq(seq uint64) Op {
	op.ServerSeq = seq
	return op
}
