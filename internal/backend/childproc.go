package backend

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const childPollInterval = 2 * time.Second

// pollChildren watches the child's process subtree via procfs and emits
// child-process-count events on change. Stops silently where procfs does
// not expose the children file.
func (s *Process) pollChildren() {
	t := time.NewTicker(childPollInterval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.quit:
			return
		case <-t.C:
			n, err := countChildren(s.Pid())
			if err != nil {
				return
			}
			s.mu.Lock()
			changed := n != s.childCount
			s.childCount = n
			s.mu.Unlock()
			if changed {
				s.events.ChildCount.Emit(n)
				s.events.Property.Emit(PropertyEvent{Property: PropertyChildCount, Value: n})
			}
		}
	}
}

func countChildren(pid int) (int, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("no pid")
	}
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/children", pid, pid))
	if err != nil {
		return 0, err
	}
	return len(strings.Fields(string(b))), nil
}
