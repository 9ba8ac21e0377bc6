//go:build linux

package shim

// FrameInfo describes a frame handed out by the shim.
type FrameInfo struct {
	Index     int
	Sequence  uint32
	BytesUsed int
	Converted bool
	// Read is set when the frame was consumed by read() emulation.
	Read bool
}

// Observer is notified of session lifecycle events. Methods are called
// synchronously on the calling goroutine and must not call back into the Shim.
// fd is the descriptor the call was made on, which may be a duplicate; path
// is the session's device path, empty for descriptors wrapped with FdOpen.
type Observer interface {
	SessionOpened(fd int, path, card string)
	SessionClosed(fd int, path string)
	FormatNegotiated(fd int, path string, plan FormatPlan)
	FrameDequeued(fd int, path string, frame FrameInfo)
	ConversionFailed(fd int, path string, err error)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(int, string, string) {}
func (nopObserver) SessionClosed(int, string) {}
func (nopObserver) FormatNegotiated(int, string, FormatPlan) {}
func (nopObserver) FrameDequeued(int, string, FrameInfo) {}
func (nopObserver) ConversionFailed(int, string, error) {}
