//go:build linux && arm && !arm64

package v4l2

import "time"

// Timeval mirrors struct timeval as embedded in struct v4l2_buffer.
type Timeval struct {
	Sec  int32
	Usec int32
}

// Time converts the capture timestamp to a time.Time.
func (tv Timeval) Time() time.Time {
	return time.Unix(int64(tv.Sec), int64(tv.Usec)*1000)
}
