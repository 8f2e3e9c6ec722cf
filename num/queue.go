package num

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"
)

const queueSize = 64

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
}

// NewCPUDevice returns the pure Go CPU device.
func NewCPUDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Number of worker threads used by the parallel kernels
	Threads() int
	// Enable profiling
	Profiling(on bool)
	PrintProfile(w io.Writer)
}

type cpuDevice struct{}

type cpuQueue struct {
	cpuDevice
	buffer  [queueSize]Function
	queued  int
	threads int
	*profile
}

// NewQueue creates a new queue which will split the batch over the given number of threads.
// If threads is less than 1 then one thread per CPU is used.
func (d cpuDevice) NewQueue(threads int) Queue {
	if threads < 1 {
		threads = runtime.NumCPU()
	}
	return &cpuQueue{
		cpuDevice: d,
		threads:   threads,
		profile:   newProfile(),
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) exec() {
	for i, fn := range q.buffer[:q.queued] {
		if q.profile.enabled {
			start := time.Now()
			fn.call(q.threads)
			q.profile.add(fn.desc, time.Since(start))
		} else {
			fn.call(q.threads)
		}
		q.buffer[i] = Function{}
	}
	q.queued = 0
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= queueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *cpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		q.PrintProfile(os.Stdout)
	}
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
}

func (p *profile) PrintProfile(w io.Writer) {
	fmt.Fprintln(w, "== Profile ==")
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		fmt.Fprintf(w, "%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	fmt.Fprintf(w, "%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
}

// parallel splits n items into contiguous chunks and runs fn(worker, start, end) for each chunk.
func parallel(threads, n int, fn func(worker, start, end int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		if n > 0 {
			fn(0, 0, n)
		}
		return
	}
	var wg sync.WaitGroup
	chunk := (n + threads - 1) / threads
	for w := 0; w < threads; w++ {
		start, end := w*chunk, (w+1)*chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			fn(w, start, end)
		}(w, start, end)
	}
	wg.Wait()
}
