//go:build !windows

package pipebridge

func platformSystem() System {
	return unsupportedSystem{}
}

type unsupportedSystem struct{}

func (unsupportedSystem) CreatePipe(_ string, _ *PipeConfig) (Handle, error) {
	return 0, ErrPlatformUnsupported
}

func (unsupportedSystem) OpenPipe(_ string) (Handle, error) {
	return 0, ErrPlatformUnsupported
}

func (unsupportedSystem) Close(_ Handle) error {
	return ErrPlatformUnsupported
}

func (unsupportedSystem) NewOverlapped() (Overlapped, error) {
	return nil, ErrPlatformUnsupported
}

func (unsupportedSystem) ConnectPipe(_ Handle, _ Overlapped) error {
	return ErrPlatformUnsupported
}

func (unsupportedSystem) ReadFile(_ Handle, _ []byte, _ Overlapped) (int, error) {
	return 0, ErrPlatformUnsupported
}

func (unsupportedSystem) WriteFile(_ Handle, _ []byte, _ Overlapped) (int, error) {
	return 0, ErrPlatformUnsupported
}
