package ot

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when an operation cannot be transformed against
// the history it lagged behind. The submitting client must resubmit
// against fresh state.
var ErrConflict = errors.New("operation conflict")

// Transform rewrites op so that it applies cleanly after against has
// already been applied. Both operations must have been valid against the
// same base content. The result carries op's metadata unchanged.
//
// Ties between concurrent inserts at the same position keep the
// transformed operation in place, so folding through history in sequence
// order yields one canonical outcome no matter how many clients raced.
func Transform(op, against Op) (Op, error) {
	var out Op
	switch a := op.(type) {
	case Insert:
		out = transformInsert(a, against)
	case Delete:
		out = transformDelete(a, against)
	case Replace:
		out = transformReplace(a, against)
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind())
	}
	if start, end := out.Span(); start < 0 || end < start {
		return nil, fmt.Errorf("transform produced invalid range [%d, %d)", start, end)
	}
	return out, nil
}

func transformInsert(op Insert, against Op) Op {
	switch a := against.(type) {
	case Insert:
		if op.Pos > a.Pos {
			op.Pos += len(a.Text)
		}
		return op
	case Delete:
		op.Pos = shiftAfterDelete(op.Pos, a.Pos, a.Len)
		return op
	case Replace:
		// A replace is its delete part followed by its insert part.
		del, ins := splitReplace(a)
		op = transformInsert(op, del).(Insert)
		return transformInsert(op, ins)
	}
	return op
}

func transformDelete(op Delete, against Op) Op {
	switch a := against.(type) {
	case Insert:
		if a.Pos <= op.Pos {
			op.Pos += len(a.Text)
		}
		// An insert landing strictly inside the range is left alone; the
		// delete removes it along with the rest of the range.
		return op
	case Delete:
		opEnd, aEnd := op.Pos+op.Len, a.Pos+a.Len
		switch {
		case opEnd <= a.Pos:
			// Fully before.
		case op.Pos >= aEnd:
			op.Pos -= a.Len
		default:
			// Overlapping: keep only the portion not already deleted.
			overlap := minInt(opEnd, aEnd) - maxInt(op.Pos, a.Pos)
			op.Pos = minInt(op.Pos, a.Pos)
			op.Len -= overlap
		}
		return op
	case Replace:
		del, ins := splitReplace(a)
		op = transformDelete(op, del).(Delete)
		return transformDelete(op, ins)
	}
	return op
}

func transformReplace(op Replace, against Op) Op {
	switch a := against.(type) {
	case Insert:
		n := len(a.Text)
		switch {
		case a.Pos <= op.Start:
			op.Start += n
			op.End += n
		case a.Pos < op.End:
			// Insertion inside the selection extends it.
			op.End += n
		}
		return op
	case Delete:
		op.Start = shiftAfterDelete(op.Start, a.Pos, a.Len)
		op.End = shiftAfterDelete(op.End, a.Pos, a.Len)
		return op
	case Replace:
		delta := len(a.Text) - (a.End - a.Start)
		switch {
		case op.Start >= a.End:
			op.Start += delta
			op.End += delta
			return op
		case op.End <= a.Start:
			return op
		default:
			// Two replaces over overlapping selections is a true
			// conflict. Collapse to inserting op's content at the lower
			// of the two selection starts; the later selection's edit of
			// the shared range is deliberately discarded.
			return Insert{
				Meta: op.Meta,
				Pos:  minInt(op.Start, a.Start),
				Text: op.Text,
			}
		}
	}
	return op
}

// TransformAgainstHistory folds op through history in server-sequence
// order. Any transform failure aborts the whole fold with ErrConflict;
// the operation is never partially transformed.
func TransformAgainstHistory(op Op, history []Op) (Op, error) {
	out := op
	for _, past := range history {
		var err error
		out, err = Transform(out, past)
		if err != nil {
			return nil, fmt.Errorf("%w: transform against seq %d: %v", ErrConflict, past.OpMeta().ServerSeq, err)
		}
	}
	return out, nil
}

// Conflicts reports whether the half-open ranges affected by a and b
// overlap. Diagnostic only: convergence comes from the transform table,
// not from this test.
func Conflicts(a, b Op) bool {
	aStart, aEnd := a.Span()
	bStart, bEnd := b.Span()
	return aStart < bEnd && bStart < aEnd
}

// shiftAfterDelete maps a position through a deletion of dLen bytes at
// dPos: positions at or before the cut stay, positions past it shift
// left, positions inside it clamp to the cut.
func shiftAfterDelete(p, dPos, dLen int) int {
	switch {
	case p <= dPos:
		return p
	case p >= dPos+dLen:
		return p - dLen
	default:
		return dPos
	}
}

func splitReplace(r Replace) (Delete, Insert) {
	del := Delete{Meta: r.Meta, Pos: r.Start, Len: r.End - r.Start}
	ins := Insert{Meta: r.Meta, Pos: r.Start, Text: r.Text}
	return del, ins
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
