package process

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/JensMuenkel/scrapyd/internal/jobs"
)

// DefaultSignal is sent by cancel when the caller names none.
const DefaultSignal = "TERM"

// ParseSignal accepts "TERM", "SIGTERM", "term" or a signal number.
func ParseSignal(name string) (syscall.Signal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultSignal
	}
	if n, err := strconv.Atoi(name); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("%w: unknown signal %q", jobs.ErrInvalidRequest, name)
		}
		return syscall.Signal(n), nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("%w: unknown signal %q", jobs.ErrInvalidRequest, name)
	}
	return sig, nil
}
