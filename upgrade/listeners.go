package upgrade

import (
	"fmt"
	"net"
	"os"
)

// ListenSpec names one TCP listener the process serves on.
type ListenSpec struct {
	Name string
	Addr string
}

// ListenerSet holds the process's TCP listeners in a fixed order so they can
// be matched to a handoff manifest by position.
type ListenerSet struct {
	names     []string
	listeners map[string]net.Listener
}

// NewListenerSet binds a fresh listener for every spec. On any failure the
// already bound listeners are closed.
func NewListenerSet(specs []ListenSpec) (*ListenerSet, error) {
	set := &ListenerSet{listeners: make(map[string]net.Listener, len(specs))}
	for _, spec := range specs {
		ln, err := net.Listen("tcp", spec.Addr)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("listen %s on %s: %w", spec.Name, spec.Addr, err)
		}
		set.add(spec.Name, ln)
	}
	return set, nil
}

func (s *ListenerSet) add(name string, ln net.Listener) {
	s.names = append(s.names, name)
	s.listeners[name] = ln
}

// Names returns the listener names in creation order.
func (s *ListenerSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Get returns the named listener, or nil.
func (s *ListenerSet) Get(name string) net.Listener {
	return s.listeners[name]
}

// Map returns the listeners keyed by name.
func (s *ListenerSet) Map() map[string]net.Listener {
	out := make(map[string]net.Listener, len(s.listeners))
	for k, v := range s.listeners {
		out[k] = v
	}
	return out
}

// Files duplicates every listener into an *os.File, in order. The caller
// owns the files and must close them after sending.
func (s *ListenerSet) Files() ([]*os.File, error) {
	files := make([]*os.File, 0, len(s.names))
	for _, name := range s.names {
		tl, ok := s.listeners[name].(*net.TCPListener)
		if !ok {
			closeFiles(files)
			return nil, fmt.Errorf("listener %s is not a TCP listener", name)
		}
		f, err := tl.File()
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("dup listener %s: %w", name, err)
		}
		files = append(files, f)
	}
	return files, nil
}

// Close closes every listener. Safe to call more than once.
func (s *ListenerSet) Close() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// newInheritedSet reconstructs listeners from received files, matching the
// manifest order against the expected specs by name.
func newInheritedSet(specs []ListenSpec, names []string, files []*os.File) (*ListenerSet, error) {
	if len(names) != len(files) {
		return nil, fmt.Errorf("manifest names %d files %d", len(names), len(files))
	}
	byName := make(map[string]*os.File, len(names))
	for i, name := range names {
		byName[name] = files[i]
	}

	set := &ListenerSet{listeners: make(map[string]net.Listener, len(specs))}
	for _, spec := range specs {
		f, ok := byName[spec.Name]
		if !ok {
			// A listener added to the config since the old instance
			// started is bound fresh.
			ln, err := net.Listen("tcp", spec.Addr)
			if err != nil {
				set.Close()
				return nil, fmt.Errorf("listen %s on %s: %w", spec.Name, spec.Addr, err)
			}
			set.add(spec.Name, ln)
			continue
		}
		delete(byName, spec.Name)

		ln, err := net.FileListener(f)
		_ = f.Close()
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("rebuild listener %s: %w", spec.Name, err)
		}
		set.add(spec.Name, ln)
	}

	// Listeners dropped from the config are closed, not leaked.
	for _, f := range byName {
		_ = f.Close()
	}
	return set, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
