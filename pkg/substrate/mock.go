package substrate

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// World is an in-process simulation of a substrate deployment: every "peer"
// is a goroutine-free handle sharing the host process's address space. It
// exists because process launch and the wire transport are out of scope for
// this module — World is the minimal stand-in that lets the rest of gmr be
// exercised and tested without a real MPI-like library.
type World struct {
	mu      sync.Mutex
	size    int
	inboxes []*mailbox

	winSeq     map[string]int
	winPending map[rendezvousKey]*winRendezvous

	collSeq     map[string]int
	collPending map[rendezvousKey]*collRendezvous
}

// collRendezvous is the generic form of winRendezvous used for barrier,
// broadcast, allreduce, allgather, and split: every member contributes a
// byte payload and blocks until all members of the comm have arrived, then
// every caller observes the same full set of contributions (in local-rank
// order) and derives its own collective result from it.
type collRendezvous struct {
	mu      sync.Mutex
	need    int
	arrived int
	data    [][]byte
	done    chan struct{}
}

func (w *World) collectiveGather(ctx context.Context, comm *mockComm, contribute []byte) ([][]byte, error) {
	sig := "coll:" + memberSignature(comm.members)

	w.mu.Lock()
	if w.collSeq == nil {
		w.collSeq = make(map[string]int)
	}
	if w.collPending == nil {
		w.collPending = make(map[rendezvousKey]*collRendezvous)
	}
	seq := w.collSeq[sig]
	key := rendezvousKey{sig: sig, seq: seq}
	rv, ok := w.collPending[key]
	if !ok {
		rv = &collRendezvous{need: len(comm.members), data: make([][]byte, len(comm.members)), done: make(chan struct{})}
		w.collPending[key] = rv
	}
	w.mu.Unlock()

	me := comm.localRank()
	if me == GroupNone {
		return nil, fmt.Errorf("substrate: collective call by a non-member")
	}
	rv.data[me] = append([]byte(nil), contribute...)

	rv.mu.Lock()
	rv.arrived++
	last := rv.arrived == rv.need
	rv.mu.Unlock()

	if last {
		w.mu.Lock()
		delete(w.collPending, key)
		w.collSeq[sig] = seq + 1
		w.mu.Unlock()
		close(rv.done)
	}

	select {
	case <-rv.done:
		return rv.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewWorld creates a world of n simulated peers.
func NewWorld(n int) *World {
	w := &World{size: n, inboxes: make([]*mailbox, n)}
	for i := range w.inboxes {
		w.inboxes[i] = newMailbox()
	}
	return w
}

// WorldComm returns the Comm handle for peer rank in the world communicator.
func (w *World) WorldComm(rank Rank) Comm {
	ranks := make([]Rank, w.size)
	for i := range ranks {
		ranks[i] = i
	}
	return &mockComm{world: w, self: rank, members: ranks}
}

type message struct {
	tag  int
	from Rank
	data []byte
}

type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	msgs []message
}

func newMailbox() *mailbox {
	mb := &mailbox{}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) push(m message) {
	mb.mu.Lock()
	mb.msgs = append(mb.msgs, m)
	mb.cond.Broadcast()
	mb.mu.Unlock()
}

func (mb *mailbox) pop(ctx context.Context, source Rank, tag int) (message, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for {
		for i, m := range mb.msgs {
			if m.tag == tag && (source == AnySource || m.from == source) {
				mb.msgs = append(mb.msgs[:i], mb.msgs[i+1:]...)
				return m, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return message{}, err
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				mb.cond.Broadcast()
			case <-done:
			}
		}()
		mb.cond.Wait()
		close(done)
	}
}

// mockComm is a Comm over a fixed, dense member-rank list translated against
// the world's absolute ranks. Member index i corresponds to world rank
// members[i]; that index is this Comm's local rank space.
type mockComm struct {
	world   *World
	self    Rank // world rank of this handle's owner
	members []Rank
}

func (c *mockComm) localRank() Rank {
	for i, r := range c.members {
		if r == c.self {
			return i
		}
	}
	return GroupNone
}

func (c *mockComm) Rank() Rank { return c.localRank() }
func (c *mockComm) Size() int  { return len(c.members) }

func (c *mockComm) Dup(ctx context.Context) (Comm, error) {
	members := append([]Rank(nil), c.members...)
	return &mockComm{world: c.world, self: c.self, members: members}, nil
}

func (c *mockComm) Split(ctx context.Context, color, key int) (Comm, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(int32(color)))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(int32(key)))
	gathered, err := c.world.collectiveGather(ctx, c, payload)
	if err != nil {
		return nil, fmt.Errorf("substrate: split: %w", err)
	}
	type entry struct {
		world Rank
		key   int32
	}
	var mine []entry
	for i, g := range gathered {
		gc := int32(binary.LittleEndian.Uint32(g[0:4]))
		if int(gc) != color {
			continue
		}
		gk := int32(binary.LittleEndian.Uint32(g[4:8]))
		mine = append(mine, entry{world: c.members[i], key: gk})
	}
	sort.SliceStable(mine, func(i, j int) bool {
		if mine[i].key != mine[j].key {
			return mine[i].key < mine[j].key
		}
		return mine[i].world < mine[j].world
	})
	members := make([]Rank, len(mine))
	for i, e := range mine {
		members[i] = e.world
	}
	return &mockComm{world: c.world, self: c.self, members: members}, nil
}

func (c *mockComm) Incl(ctx context.Context, ranks []Rank) (Comm, error) {
	members := append([]Rank(nil), ranks...)
	return &mockComm{world: c.world, self: c.self, members: members}, nil
}

func (c *mockComm) Barrier(ctx context.Context) error {
	_, err := c.world.collectiveGather(ctx, c, nil)
	return err
}

func (c *mockComm) Bcast(ctx context.Context, buf []byte, root Rank) error {
	gathered, err := c.world.collectiveGather(ctx, c, buf)
	if err != nil {
		return err
	}
	if root < 0 || root >= len(gathered) {
		return fmt.Errorf("substrate: bcast root %d out of range", root)
	}
	copy(buf, gathered[root])
	return nil
}

func (c *mockComm) Allreduce(ctx context.Context, send, recv []byte, dt Datatype, op ReduceOp) error {
	gathered, err := c.world.collectiveGather(ctx, c, send)
	if err != nil {
		return err
	}
	copy(recv, gathered[0])
	for _, g := range gathered[1:] {
		if err := applyOp(recv, g, dt, op); err != nil {
			return err
		}
	}
	return nil
}

func (c *mockComm) Allgather(ctx context.Context, send, recv []byte) error {
	gathered, err := c.world.collectiveGather(ctx, c, send)
	if err != nil {
		return err
	}
	off := 0
	for _, g := range gathered {
		off += copy(recv[off:], g)
	}
	return nil
}

func (c *mockComm) Send(ctx context.Context, buf []byte, dest Rank, tag int) error {
	if dest < 0 || dest >= len(c.members) {
		return fmt.Errorf("substrate: send to out-of-range rank %d", dest)
	}
	data := append([]byte(nil), buf...)
	c.world.inboxes[c.members[dest]].push(message{tag: tag, from: c.localRank(), data: data})
	return nil
}

func (c *mockComm) Recv(ctx context.Context, buf []byte, source Rank, tag int) (int, Rank, error) {
	m, err := c.world.inboxes[c.self].pop(ctx, source, tag)
	if err != nil {
		return 0, GroupNone, err
	}
	n := copy(buf, m.data)
	return n, m.from, nil
}

func (c *mockComm) TranslateRanks(ctx context.Context, ranks []Rank, other Comm) ([]Rank, error) {
	oc, ok := other.(*mockComm)
	if !ok {
		return nil, fmt.Errorf("substrate: TranslateRanks across incompatible Comm types")
	}
	out := make([]Rank, len(ranks))
	for i, r := range ranks {
		if r < 0 || r >= len(c.members) {
			out[i] = GroupNone
			continue
		}
		world := c.members[r]
		out[i] = GroupNone
		for j, m := range oc.members {
			if m == world {
				out[i] = j
				break
			}
		}
	}
	return out, nil
}

// mockAllocator implements Allocator by rendezvousing every member of comm
// on a shared mockWindow: since this mock runs every simulated peer in one
// address space, "remote" access is ordinary slice indexing into another
// peer's buffer, guarded by the window's mutex (standing in for the lock-all
// epoch a real substrate would hold for the window's lifetime).
type mockAllocator struct{}

// NewAllocator returns the mock substrate's window allocator.
func NewAllocator() Allocator { return mockAllocator{} }

type mockWindow struct {
	comm  *mockComm
	model MemoryModel

	mu     sync.Mutex // guards bufs during Put/Get/Accumulate
	bufs   []([]byte) // one per member, indexed by local rank
	locked bool
}

// winRendezvous collects one arrival per member of a collective
// AllocateWindow call before releasing the shared mockWindow to everyone.
// Real substrates perform the equivalent all-to-all of base pointers inside
// MPI_Win_allocate; the mock models that as a rendezvous because all peers
// already share memory.
type winRendezvous struct {
	mu      sync.Mutex
	need    int
	arrived int
	win     *mockWindow
	done    chan struct{}
}

type rendezvousKey struct {
	sig string
	seq int
}

func memberSignature(members []Rank) string {
	cp := append([]Rank(nil), members...)
	sort.Ints(cp)
	parts := make([]string, len(cp))
	for i, r := range cp {
		parts[i] = strconv.Itoa(r)
	}
	return strings.Join(parts, ",")
}

func (w *World) allocateCollective(ctx context.Context, comm *mockComm, localSize int, model MemoryModel) (*mockWindow, error) {
	sig := memberSignature(comm.members)

	w.mu.Lock()
	if w.winSeq == nil {
		w.winSeq = make(map[string]int)
	}
	if w.winPending == nil {
		w.winPending = make(map[rendezvousKey]*winRendezvous)
	}
	seq := w.winSeq[sig]
	key := rendezvousKey{sig: sig, seq: seq}
	rv, ok := w.winPending[key]
	if !ok {
		rv = &winRendezvous{
			need: len(comm.members),
			win:  &mockWindow{comm: comm, model: model, bufs: make([][]byte, len(comm.members))},
			done: make(chan struct{}),
		}
		w.winPending[key] = rv
	}
	w.mu.Unlock()

	me := comm.localRank()
	if me == GroupNone {
		return nil, fmt.Errorf("substrate: AllocateWindow called by a non-member")
	}
	rv.win.bufs[me] = make([]byte, localSize)

	rv.mu.Lock()
	rv.arrived++
	last := rv.arrived == rv.need
	rv.mu.Unlock()

	if last {
		w.mu.Lock()
		delete(w.winPending, key)
		w.winSeq[sig] = seq + 1
		w.mu.Unlock()
		close(rv.done)
	}

	select {
	case <-rv.done:
		return rv.win, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (mockAllocator) AllocateWindow(ctx context.Context, comm Comm, localSize int, hints WindowHints) (Window, error) {
	mc, ok := comm.(*mockComm)
	if !ok {
		return nil, fmt.Errorf("substrate: AllocateWindow requires a mock Comm")
	}
	model := Unified
	if hints.AllocSharedNoncontig {
		model = Separate
	}
	return mc.world.allocateCollective(ctx, mc, localSize, model)
}

func (w *mockWindow) Comm() Comm              { return w.comm }
func (w *mockWindow) MemoryModel() MemoryModel { return w.model }

func (w *mockWindow) LockAll(ctx context.Context) error   { w.locked = true; return nil }
func (w *mockWindow) UnlockAll(ctx context.Context) error { w.locked = false; return nil }
func (w *mockWindow) Flush(ctx context.Context, target Rank) error     { return nil }
func (w *mockWindow) FlushAll(ctx context.Context) error               { return nil }
func (w *mockWindow) FlushLocal(ctx context.Context, target Rank) error { return nil }
func (w *mockWindow) FlushLocalAll(ctx context.Context) error          { return nil }
func (w *mockWindow) Sync(ctx context.Context) error                    { return nil }

func (w *mockWindow) targetBuf(target Rank, disp int64, n int) ([]byte, error) {
	if target < 0 || target >= len(w.bufs) {
		return nil, fmt.Errorf("substrate: target rank %d out of range", target)
	}
	buf := w.bufs[target]
	if disp < 0 || disp+int64(n) > int64(len(buf)) {
		return nil, fmt.Errorf("substrate: displacement %d+%d exceeds window of size %d", disp, n, len(buf))
	}
	return buf, nil
}

func (w *mockWindow) Put(ctx context.Context, origin []byte, target Rank, targetDisp int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, err := w.targetBuf(target, targetDisp, len(origin))
	if err != nil {
		return err
	}
	copy(buf[targetDisp:], origin)
	return nil
}

func (w *mockWindow) Get(ctx context.Context, origin []byte, target Rank, targetDisp int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, err := w.targetBuf(target, targetDisp, len(origin))
	if err != nil {
		return err
	}
	copy(origin, buf[targetDisp:targetDisp+int64(len(origin))])
	return nil
}

func (w *mockWindow) Accumulate(ctx context.Context, origin []byte, target Rank, targetDisp int64, dt Datatype, op ReduceOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, err := w.targetBuf(target, targetDisp, len(origin))
	if err != nil {
		return err
	}
	dst := buf[targetDisp : targetDisp+int64(len(origin))]
	return applyOp(dst, origin, dt, op)
}

func (w *mockWindow) GetAccumulate(ctx context.Context, origin, result []byte, target Rank, targetDisp int64, dt Datatype, op ReduceOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, err := w.targetBuf(target, targetDisp, len(origin))
	if err != nil {
		return err
	}
	dst := buf[targetDisp : targetDisp+int64(len(origin))]
	copy(result, dst)
	if op == NoOp {
		return nil
	}
	return applyOp(dst, origin, dt, op)
}

func (w *mockWindow) FetchAndOp(ctx context.Context, originElem, resultElem []byte, target Rank, targetDisp int64, dt Datatype) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	sz := dt.Size()
	buf, err := w.targetBuf(target, targetDisp, sz)
	if err != nil {
		return err
	}
	dst := buf[targetDisp : targetDisp+int64(sz)]
	copy(resultElem, dst)
	return applyOp(dst, originElem, dt, Sum)
}

func (w *mockWindow) PutTyped(ctx context.Context, d StridedXfer) error {
	return w.stridedXfer(d, true)
}

func (w *mockWindow) GetTyped(ctx context.Context, d StridedXfer) error {
	return w.stridedXfer(d, false)
}

func (w *mockWindow) stridedXfer(d StridedXfer, put bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf, err := w.targetBuf(d.Target, d.TargetDisp, blockCount(d.Count)*int(d.Count[0]))
	if err != nil {
		return err
	}
	// Walk the nested strides identically on both sides; origin is already
	// laid out contiguously in row-major nested order by the caller (the
	// iov/strided encoder densifies before calling a mock substrate, same as
	// the flatten-to-IOV path would).
	leading := int(d.Count[0])
	off := 0
	var walk func(level int, dstBase int64)
	walk = func(level int, dstBase int64) {
		if level == len(d.Count)-1 {
			dst := buf[dstBase : dstBase+int64(leading)]
			if put {
				copy(dst, d.Origin[off:off+leading])
			} else {
				copy(d.Origin[off:off+leading], dst)
			}
			off += leading
			return
		}
		count := int(d.Count[level+1])
		stride := d.Stride[level]
		for i := 0; i < count; i++ {
			walk(level+1, dstBase+int64(i)*stride)
		}
	}
	if len(d.Count) == 1 {
		dst := buf[d.TargetDisp : d.TargetDisp+int64(leading)]
		if put {
			copy(dst, d.Origin)
		} else {
			copy(d.Origin, dst)
		}
		return nil
	}
	walk(0, d.TargetDisp)
	return nil
}

func blockCount(count []int64) int {
	n := 1
	for _, c := range count[1:] {
		n *= int(c)
	}
	if n == 0 {
		n = 1
	}
	return n
}

func (w *mockWindow) LocalBuffer() []byte {
	me := w.comm.localRank()
	return w.bufs[me]
}

func (w *mockWindow) Free(ctx context.Context) error { return nil }
