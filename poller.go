package ummapio

import (
	"context"
	"errors"

	"github.com/hupe1980/ummapio/internal/uffd"
)

var errNoWriteProtect = errors.New("ummapio: userfaultfd without write-protect faults")

// poller serves the faults a userfaultfd reports for every mapping of a
// handler. Faults are resolved one at a time on its own goroutine.
type poller struct {
	fd     *uffd.FD
	h      *Handler
	cancel context.CancelFunc
	done   chan struct{}
}

func startPoller(h *Handler) (*poller, error) {
	fd, err := uffd.Open()
	if err != nil {
		return nil, err
	}
	// Dirty tracking needs write-protect faults.
	if !fd.WriteProtect() {
		_ = fd.Close()
		return nil, errNoWriteProtect
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		fd:     fd,
		h:      h,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p, nil
}

// run panics with *FatalError when a fault cannot be resolved: the
// faulting thread would otherwise stay blocked in the kernel.
func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	for {
		f, err := p.fd.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, uffd.ErrClosed) {
				return
			}
			p.h.logger.Error("userfaultfd read failed", "error", err)
			panic(&FatalError{cause: err})
		}

		write := f.Write || f.WriteProtect
		if err := p.h.OnFault(f.Addr, write); err != nil {
			panic(&FatalError{Addr: f.Addr, Write: write, cause: err})
		}
	}
}

func (p *poller) close() error {
	p.cancel()
	err := p.fd.Close()
	<-p.done
	return err
}
