package inode

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

// Controller is the per-inode access controller (component D): it admits
// concurrent readers, a single writer, or a single in-flight resize, with
// writer priority so a waiting writer is not starved by a steady stream of
// new readers. This mirrors Pintos's inode access()/checkout() pair, which
// tracks the same three states (idle, n readers, one writer) and wakes
// waiters in the order that keeps a writer from blocking forever.
//
// Growing a file past EOF also takes a second, narrower latch, resizeLatch
// below, acquired only around the resize itself, after the gate has already
// admitted the writer. The gate admits one writer at a time, so writers
// that enter through AcquireWrite never wait on each other here; the latch
// keeps two resizes of the same inode from overlapping. fileio.WriteAt runs
// the resize under the inode's metadata lock while holding it (resizeLatch
// -> metadata lock -> cache). It's a ctxsync.Mutex rather than sync.Mutex so a caller
// (fsapi, or a test) can bound how long it is willing to wait for an
// in-flight resize with a context deadline instead of blocking forever.
type Controller struct {
	gateMu         sync.Mutex
	gateCond       *sync.Cond
	readers        int
	writerActive   bool
	writersWaiting int

	resizeLatch ctxsync.Mutex
}

// NewController returns a ready-to-use access controller in the idle state.
func NewController() *Controller {
	c := &Controller{}
	c.gateCond = sync.NewCond(&c.gateMu)
	return c
}

// AcquireRead blocks until the gate admits a reader: no active writer, and
// no writer currently waiting (writer priority).
func (c *Controller) AcquireRead() {
	c.gateMu.Lock()
	for c.writerActive || c.writersWaiting > 0 {
		c.gateCond.Wait()
	}
	c.readers++
	c.gateMu.Unlock()
}

// ReleaseRead departs the reader state, waking any waiter that can now
// proceed.
func (c *Controller) ReleaseRead() {
	c.gateMu.Lock()
	c.readers--
	if c.readers < 0 {
		panic("inode: ReleaseRead without matching AcquireRead")
	}
	if c.readers == 0 {
		c.gateCond.Broadcast()
	}
	c.gateMu.Unlock()
}

// AcquireWrite blocks until the gate admits the single writer slot: no
// active readers and no active writer. It registers as a waiting writer
// first so that any reader arriving after it is held back, preventing
// starvation.
func (c *Controller) AcquireWrite() {
	c.gateMu.Lock()
	c.writersWaiting++
	for c.readers > 0 || c.writerActive {
		c.gateCond.Wait()
	}
	c.writersWaiting--
	c.writerActive = true
	c.gateMu.Unlock()
}

// ReleaseWrite departs the writer state, waking every waiter so the next
// eligible one (reader batch or writer) can proceed.
func (c *Controller) ReleaseWrite() {
	c.gateMu.Lock()
	if !c.writerActive {
		panic("inode: ReleaseWrite without matching AcquireWrite")
	}
	c.writerActive = false
	c.gateCond.Broadcast()
	c.gateMu.Unlock()
}

// AcquireResize serializes entry into the resize engine. The caller must
// already hold the write gate (AcquireWrite) — this only protects against a
// second concurrent resize, not against readers.
func (c *Controller) AcquireResize(ctx context.Context) error {
	return c.resizeLatch.Lock(ctx)
}

// ReleaseResize releases the resize latch.
func (c *Controller) ReleaseResize() {
	c.resizeLatch.Unlock()
}
