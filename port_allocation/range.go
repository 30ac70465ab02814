package port_allocation

import "fmt"

// PortRange is an inclusive [Start, End] port interval. Build one through
// NewPortRange so the bounds are always valid.
type PortRange struct {
	Start int
	End   int
}

// NewPortRange validates the bounds: user-space ports only, non-empty range.
func NewPortRange(start, end int) (PortRange, error) {
	if start < 1024 || end > 65535 {
		return PortRange{}, fmt.Errorf("port range must be between 1024 and 65535, got %d-%d", start, end)
	}
	if start >= end {
		return PortRange{}, fmt.Errorf("start port %d must be less than end port %d", start, end)
	}
	return PortRange{Start: start, End: end}, nil
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return r.Start <= port && port <= r.End
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.End - r.Start + 1
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}
