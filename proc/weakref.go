package proc

import "weak"

// weakController is a non-owning back-reference to the Sector that
// controls a processor. It is weak so that a child never keeps its
// parent sector alive.
type weakController struct {
	ptr weak.Pointer[Sector]
}

func newWeakController(s *Sector) weakController {
	return weakController{ptr: weak.Make(s)}
}

// Resolve returns the controlling Sector and true, or (nil, false) if the
// sector has since been collected.
func (w weakController) Resolve() (*Sector, bool) {
	s := w.ptr.Value()
	return s, s != nil
}

func (w weakController) isZero() bool {
	return w.ptr == weak.Pointer[Sector]{}
}
