package gpio

// FakeIndicator is a test double that records every write.
type FakeIndicator struct {
	// Values contains every value passed to Set, in order.
	Values []bool

	// SetError, if set, will be returned by Set.
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeIndicator creates a FakeIndicator.
func NewFakeIndicator() *FakeIndicator {
	return &FakeIndicator{}
}

// Set records on.
func (f *FakeIndicator) Set(on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	f.Values = append(f.Values, on)
	return nil
}

// Lit returns the last value written, or false.
func (f *FakeIndicator) Lit() bool {
	if len(f.Values) == 0 {
		return false
	}
	return f.Values[len(f.Values)-1]
}

// Close marks the indicator as closed.
func (f *FakeIndicator) Close() error {
	f.Closed = true
	return nil
}

// Reset clears recorded writes.
func (f *FakeIndicator) Reset() {
	f.Values = nil
	f.SetError = nil
	f.Closed = false
}
