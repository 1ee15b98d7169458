//go:build !linux

package ring

// KernelSupportsIOURing always returns false on non-Linux platforms.
func KernelSupportsIOURing() bool {
	return false
}

func newURing(_ Options) (Engine, error) {
	return nil, ErrUnsupported
}

func newIOURingGo(_ Options) (Engine, error) {
	return nil, ErrUnsupported
}
