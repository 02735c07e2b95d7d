package event

import "fmt"

// Visitor handles every event variant.
type Visitor interface {
	VisitInsert(Insert) error
	VisitUpdate(Update) error
	VisitDelete(Delete) error
}

// Dispatch calls the Visitor method matching e.
func Dispatch(e Event, v Visitor) error {
	switch ev := e.(type) {
	case Insert:
		return v.VisitInsert(ev)
	case Update:
		return v.VisitUpdate(ev)
	case Delete:
		return v.VisitDelete(ev)
	default:
		return fmt.Errorf("%w: unknown variant %T", ErrInvalidEvent, e)
	}
}

// Values returns the row state before and after the change. Missing sides
// are nil: an Insert has no before, a Delete has no after.
func Values(e Event) (before, after any) {
	switch ev := e.(type) {
	case Insert:
		return nil, ev.value
	case Update:
		return ev.old, ev.new
	default:
		return nil, nil
	}
}
