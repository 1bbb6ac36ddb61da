package mirror

// NullStore discards every Set and reports no value for every Get. It is
// used in tests and in deployments that don't want fleet-state durability.
type NullStore struct{}

// Set is a no-op.
func (NullStore) Set(path string, value any) error { return nil }

// Get always reports no value.
func (NullStore) Get(path string, out any) (bool, error) { return false, nil }
