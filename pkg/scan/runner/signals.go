package runner

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

// A SIGUSR1 sent to the worker process means "stop your plugins"; it is
// forwarded to every live plugin child so externally revoked workers wind
// down the same way context cancellation does.
var (
	childMu  sync.Mutex
	children = map[int]*os.Process{}
	trapOnce sync.Once
	stopTrap = make(chan os.Signal, 1)
)

func registerChild(p *os.Process) func() {
	trapOnce.Do(func() {
		signal.Notify(stopTrap, syscall.SIGUSR1)
		go forwardSignals()
	})
	childMu.Lock()
	children[p.Pid] = p
	childMu.Unlock()
	return func() {
		childMu.Lock()
		delete(children, p.Pid)
		childMu.Unlock()
	}
}

func forwardSignals() {
	for sig := range stopTrap {
		childMu.Lock()
		for pid, proc := range children {
			if err := proc.Signal(sig); err != nil {
				log.Debug().Err(err).Int("pid", pid).Msg("Could not forward stop signal to plugin")
			}
		}
		childMu.Unlock()
	}
}
