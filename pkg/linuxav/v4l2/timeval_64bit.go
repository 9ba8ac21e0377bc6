//go:build linux && (amd64 || arm64)

package v4l2

import "time"

// Timeval mirrors struct timeval as embedded in struct v4l2_buffer.
type Timeval struct {
	Sec  int64
	Usec int64
}

// Time converts the capture timestamp to a time.Time.
func (tv Timeval) Time() time.Time {
	return time.Unix(tv.Sec, tv.Usec*1000)
}
