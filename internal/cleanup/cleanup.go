// Package cleanup collects resources a command opens along the way so they
// can be released together when it returns.
package cleanup

import (
	"errors"
	"fmt"
	"sync"
)

type hook struct {
	name string
	fn   func() error
}

// Stack runs its hooks in LIFO order. The zero value is ready to use.
type Stack struct {
	mu    sync.Mutex
	hooks []hook
}

// Push registers fn under name. A nil fn is ignored.
func (s *Stack) Push(name string, fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
	s.mu.Unlock()
}

// Len reports how many hooks are pending.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks)
}

// Run executes and clears every hook. All hooks run even when some fail;
// the failures are joined.
func (s *Stack) Run() error {
	s.mu.Lock()
	local := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	var errs []error
	for i := len(local) - 1; i >= 0; i-- {
		if err := local[i].fn(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", local[i].name, err))
		}
	}
	return errors.Join(errs...)
}
