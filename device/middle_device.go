package device

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/fosrl/verdict/logger"
	"github.com/fosrl/verdict/tunfilter"
)

const (
	// headroom reserved in front of every packet handed to the TUN device
	injectOffset = 16
	readBufSize  = 2048

	batchQueueLen  = 16
	injectQueueLen = 256
)

var (
	ErrInjectQueueFull = errors.New("device: injection queue full")
	ErrPacketTooLarge  = errors.New("device: packet does not fit read buffer")
)

// batch is one Read of the underlying device, made by the read loop
type batch struct {
	bufs  [][]byte
	sizes []int
	n     int
	err   error
}

func (b *batch) packet(i int) []byte {
	return b.bufs[i][injectOffset : injectOffset+b.sizes[i]]
}

// injection is a packet queued for reinjection and the callback to run once
// it left the queue
type injection struct {
	packet []byte
	done   func(error)
}

// MiddleDevice sits between the TUN device and WireGuard. Read is the
// outbound hook (host to tunnel), Write the inbound hook (tunnel to host).
// Packets the filter intercepts are dropped from the batch; the filter owns
// them from then on and may hand clones back through the inject methods.
type MiddleDevice struct {
	dev tun.Device

	filter atomic.Pointer[filterBox]

	batches  chan batch
	outbound chan injection
	inbound  chan injection
	// held for reading while queueing, for writing while Close drains
	queueMu sync.RWMutex

	stop   chan struct{}
	closed atomic.Bool
	loops  sync.WaitGroup
	events chan tun.Event
}

type filterBox struct{ f tunfilter.PacketFilter }

// NewMiddleDevice wraps dev. A nil dev gives a device that only carries
// injections.
func NewMiddleDevice(dev tun.Device) *MiddleDevice {
	d := &MiddleDevice{
		dev:      dev,
		batches:  make(chan batch, batchQueueLen),
		outbound: make(chan injection, injectQueueLen),
		inbound:  make(chan injection, injectQueueLen),
		stop:     make(chan struct{}),
		events:   make(chan tun.Event, batchQueueLen),
	}

	d.loops.Add(1)
	go d.writeInjected()
	if dev != nil {
		d.loops.Add(2)
		go d.readLoop()
		go d.forwardEvents()
	}
	return d
}

// SetFilter installs the packet filter. A nil filter passes everything.
func (d *MiddleDevice) SetFilter(f tunfilter.PacketFilter) {
	d.filter.Store(&filterBox{f: f})
}

func (d *MiddleDevice) currentFilter() tunfilter.PacketFilter {
	if box := d.filter.Load(); box != nil {
		return box.f
	}
	return nil
}

func (d *MiddleDevice) stopped() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// readLoop keeps one device read in flight so Read can wait on the device
// and the injection queue at once
func (d *MiddleDevice) readLoop() {
	defer d.loops.Done()
	size := d.dev.BatchSize()
	for !d.stopped() {
		b := batch{bufs: make([][]byte, size), sizes: make([]int, size)}
		for i := range b.bufs {
			b.bufs[i] = make([]byte, readBufSize)
		}
		b.n, b.err = d.dev.Read(b.bufs, b.sizes, injectOffset)

		select {
		case d.batches <- b:
		case <-d.stop:
			return
		}
		if b.err != nil {
			if !d.stopped() {
				logger.Debug("device: read loop stopped: %v", b.err)
			}
			return
		}
	}
}

// forwardEvents relays the device's events until Close
func (d *MiddleDevice) forwardEvents() {
	defer d.loops.Done()
	src := d.dev.Events()
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return
			}
			select {
			case d.events <- ev:
			case <-d.stop:
				return
			}
		case <-d.stop:
			return
		}
	}
}

// writeInjected writes inbound reinjections to the host. They pass the
// inbound filter again so the filter can recognize its own clones.
func (d *MiddleDevice) writeInjected() {
	defer d.loops.Done()
	for {
		select {
		case <-d.stop:
			return
		case inj := <-d.inbound:
			buf := make([]byte, injectOffset+len(inj.packet))
			copy(buf[injectOffset:], inj.packet)
			_, err := d.Write([][]byte{buf}, injectOffset)
			inj.done(err)
		}
	}
}

// InjectOutbound queues a packet to be read by WireGuard as if it came from
// the TUN device. done runs once the packet was handed to the reader, or with
// an error if the device closed first. A non-nil return means done will not
// run.
func (d *MiddleDevice) InjectOutbound(packet []byte, done func(error)) error {
	return d.enqueue(d.outbound, packet, done)
}

// InjectInbound queues a packet to be written to the host as if it came from
// the tunnel
func (d *MiddleDevice) InjectInbound(packet []byte, done func(error)) error {
	return d.enqueue(d.inbound, packet, done)
}

func (d *MiddleDevice) enqueue(q chan injection, packet []byte, done func(error)) error {
	d.queueMu.RLock()
	defer d.queueMu.RUnlock()
	if d.closed.Load() {
		return io.EOF
	}
	select {
	case q <- injection{packet: packet, done: done}:
		return nil
	default:
		logger.Debug("device: dropping injection, queue full")
		return ErrInjectQueueFull
	}
}

// Close stops the device. Queued injections complete with io.EOF.
func (d *MiddleDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.stop)

	d.queueMu.Lock()
	failQueued(d.outbound)
	failQueued(d.inbound)
	d.queueMu.Unlock()

	var err error
	if d.dev != nil {
		err = d.dev.Close()
		if err != nil {
			logger.Debug("device: closing tun device: %v", err)
		}
	}
	d.loops.Wait()
	close(d.events)
	return err
}

func failQueued(q chan injection) {
	for {
		select {
		case inj := <-q:
			inj.done(io.EOF)
		default:
			return
		}
	}
}

func (d *MiddleDevice) Events() <-chan tun.Event {
	return d.events
}

func (d *MiddleDevice) File() *os.File {
	if d.dev == nil {
		return nil
	}
	return d.dev.File()
}

func (d *MiddleDevice) MTU() (int, error) {
	if d.dev == nil {
		return 0, io.EOF
	}
	return d.dev.MTU()
}

func (d *MiddleDevice) Name() (string, error) {
	if d.dev == nil {
		return "", io.EOF
	}
	return d.dev.Name()
}

func (d *MiddleDevice) BatchSize() int {
	if d.dev == nil {
		return 1
	}
	return d.dev.BatchSize()
}

// Read hands packets going from the host towards WireGuard through the
// outbound hook. A batch the filter absorbs entirely is not returned; Read
// waits for the next one.
func (d *MiddleDevice) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	for {
		var n int
		select {
		case <-d.stop:
			return 0, io.EOF

		case b := <-d.batches:
			if b.err != nil {
				if d.stopped() {
					return 0, io.EOF
				}
				return 0, b.err
			}
			for i := 0; i < b.n && n < len(bufs); i++ {
				pkt := b.packet(i)
				if len(bufs[n]) < offset+len(pkt) {
					continue
				}
				sizes[n] = copy(bufs[n][offset:], pkt)
				n++
			}

		case inj := <-d.outbound:
			if len(bufs) == 0 || len(bufs[0]) < offset+len(inj.packet) {
				inj.done(ErrPacketTooLarge)
				continue
			}
			sizes[0] = copy(bufs[0][offset:], inj.packet)
			n = 1
			inj.done(nil)
		}

		if kept := d.keepOutbound(bufs, sizes, offset, n); kept > 0 || n == 0 {
			return kept, nil
		}
	}
}

// keepOutbound runs the outbound hook over the first n packets and copies
// the ones it passes to the front. The caller's buffers stay where they are;
// WireGuard ties each one to its own send element.
func (d *MiddleDevice) keepOutbound(bufs [][]byte, sizes []int, offset, n int) int {
	f := d.currentFilter()
	if f == nil {
		return n
	}
	kept := 0
	for i := 0; i < n; i++ {
		if f.FilterOutbound(bufs[i][offset:offset+sizes[i]], sizes[i]) != tunfilter.FilterActionPass {
			continue
		}
		if kept != i {
			sizes[kept] = copy(bufs[kept][offset:], bufs[i][offset:offset+sizes[i]])
		}
		kept++
	}
	return kept
}

// Write hands packets coming out of the tunnel through the inbound hook
// before they reach the host. Packets the hook takes still count as written.
func (d *MiddleDevice) Write(bufs [][]byte, offset int) (int, error) {
	if d.closed.Load() || d.dev == nil {
		return 0, io.EOF
	}

	pass := bufs
	if f := d.currentFilter(); f != nil {
		pass = make([][]byte, 0, len(bufs))
		for _, buf := range bufs {
			if len(buf) <= offset {
				continue
			}
			pkt := buf[offset:]
			if f.FilterInbound(pkt, len(pkt)) == tunfilter.FilterActionPass {
				pass = append(pass, buf)
			}
		}
	}
	if len(pass) > 0 {
		if _, err := d.dev.Write(pass, offset); err != nil {
			return 0, err
		}
	}
	return len(bufs), nil
}
