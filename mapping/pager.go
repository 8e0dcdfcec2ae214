package mapping

import (
	"github.com/hupe1980/ummapio/internal/mmap"
	"github.com/hupe1980/ummapio/internal/uffd"
)

// pager changes what a reserved region exposes. Offsets are relative to
// the region and segment aligned.
type pager interface {
	install(off int, src []byte, writable bool) error
	allowWrite(off, n int) error
	denyWrite(off, n int) error
	revoke(off, n int) error
	// wake resumes threads parked on a fault that needs no change.
	wake(off, n int) error
	close() error
}

// protPager drives residency with mprotect: unloaded segments are
// PROT_NONE and clean ones read-only, so every transition faults.
type protPager struct {
	r *mmap.Region
}

func (p protPager) install(off int, src []byte, writable bool) error {
	return p.r.Install(off, src, writable)
}

func (p protPager) allowWrite(off, n int) error { return p.r.AllowWrite(off, n) }
func (p protPager) denyWrite(off, n int) error  { return p.r.DenyWrite(off, n) }
func (p protPager) revoke(off, n int) error     { return p.r.Revoke(off, n) }
func (p protPager) wake(int, int) error         { return nil }
func (p protPager) close() error                { return p.r.Close() }

// uffdPager keeps the region accessible and learns about missing pages
// and writes to clean pages from a userfaultfd.
type uffdPager struct {
	r  *mmap.Region
	fd *uffd.FD
}

func newUffdPager(r *mmap.Region, fd *uffd.FD, prot Prot) (*uffdPager, error) {
	if err := r.Protect(0, r.Size(), prot.mmap()|mmap.ProtRead); err != nil {
		return nil, err
	}
	if err := fd.Register(r.Addr(), r.Size()); err != nil {
		return nil, err
	}
	return &uffdPager{r: r, fd: fd}, nil
}

func (p *uffdPager) install(off int, src []byte, writable bool) error {
	return p.fd.Copy(p.r.Addr()+uintptr(off), src, !writable)
}

func (p *uffdPager) allowWrite(off, n int) error {
	return p.fd.SetWriteProtect(p.r.Addr()+uintptr(off), n, false)
}

func (p *uffdPager) denyWrite(off, n int) error {
	return p.fd.SetWriteProtect(p.r.Addr()+uintptr(off), n, true)
}

func (p *uffdPager) revoke(off, n int) error { return p.r.Discard(off, n) }

func (p *uffdPager) wake(off, n int) error {
	return p.fd.Wake(p.r.Addr()+uintptr(off), n)
}

func (p *uffdPager) close() error {
	_ = p.fd.Unregister(p.r.Addr(), p.r.Size())
	return p.r.Close()
}
