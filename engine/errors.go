package engine

import "fmt"

// PointError reports a point that kept misfiring after its last permitted
// retry. Index is the 0-based point, Attempts counts every try including the
// first.
type PointError struct {
	Index    int
	Attempts int
}

func (e *PointError) Error() string {
	return fmt.Sprintf("point %d failed after %d attempts", e.Index, e.Attempts)
}
