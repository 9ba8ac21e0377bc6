//go:build linux

package shim

import "sync"

// registry maps every live wrapped descriptor to its session. Duplicated
// descriptors map to the same session.
type registry struct {
	mu       sync.Mutex
	sessions map[int]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[int]*session)}
}

// add registers fd as the first handle of sess. It reports false when fd
// is already wrapped.
func (r *registry) add(fd int, sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[fd]; ok {
		return false
	}
	r.sessions[fd] = sess
	sess.refs++
	return true
}

// dup registers nfd as another handle of fd's session. It reports false
// when fd is not wrapped, including when it was closed concurrently.
func (r *registry) dup(fd, nfd int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[fd]
	if !ok {
		return false
	}
	r.sessions[nfd] = sess
	sess.refs++
	return true
}

func (r *registry) get(fd int) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[fd]
	return sess, ok
}

// detach unregisters fd. last is true when fd was the session's final handle.
func (r *registry) detach(fd int) (sess *session, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok = r.sessions[fd]
	if !ok {
		return nil, false, false
	}
	delete(r.sessions, fd)
	sess.refs--
	return sess, sess.refs == 0, true
}

// each calls fn for every distinct session until fn returns false.
func (r *registry) each(fn func(*session) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[*session]bool, len(r.sessions))
	for _, sess := range r.sessions {
		if seen[sess] {
			continue
		}
		seen[sess] = true
		if !fn(sess) {
			return
		}
	}
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
