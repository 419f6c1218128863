// Package device models compute placement and optional-engine
// availability explicitly: a pure capability probe instead of ambient
// environment toggles, and scoped leases for accelerator-style memory
// residency so buffers are released on every exit path.
package device

import (
	"fmt"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/aciddelgado/qllm/pkg/quant"
)

// Capability names a CPU feature the packed matmul kernels can use.
type Capability string

const (
	CapAVX2   Capability = "avx2"
	CapAVX512 Capability = "avx512"
	CapNEON   Capability = "neon"
)

// Has reports whether the running CPU provides the capability.
func Has(c Capability) bool {
	switch c {
	case CapAVX2:
		return cpu.X86.HasAVX2
	case CapAVX512:
		return cpu.X86.HasAVX512F
	case CapNEON:
		return cpu.ARM64.HasASIMD
	}
	return false
}

// HasEngine reports whether an inference kernel for the pack mode is
// available on this machine. The AWQ GEMM kernel requires wide SIMD;
// GPTQ and ORT layouts always have a portable fallback kernel.
func HasEngine(mode quant.PackMode) bool {
	switch mode {
	case quant.ModeAWQ:
		return Has(CapAVX2) || Has(CapNEON)
	default:
		return true
	}
}

// EngineMissingError reports that no inference engine exists for a pack
// mode on this host. Callers recover by repacking to a portable layout;
// the error is never fatal to a pipeline.
type EngineMissingError struct {
	Mode quant.PackMode
}

func (e *EngineMissingError) Error() string {
	return fmt.Sprintf("device: no inference engine for pack mode %s on this host", e.Mode)
}

// RequireEngine returns an *EngineMissingError when HasEngine is false.
func RequireEngine(mode quant.PackMode) error {
	if !HasEngine(mode) {
		return &EngineMissingError{Mode: mode}
	}
	return nil
}

// Device is a named compute placement. Residency on it is tracked with
// leases; the CPU device is always present.
type Device struct {
	Name string

	mu     sync.Mutex
	leases int
}

// CPU returns the host device.
func CPU() *Device { return &Device{Name: "cpu"} }

// Lease is a scoped acquisition of device memory. Release runs the
// registered cleanups LIFO and is idempotent, so callers can defer it
// unconditionally and still release early on success paths.
type Lease struct {
	dev      *Device
	mu       sync.Mutex
	cleanups []func()
	released bool
}

// Acquire opens a lease on the device.
func (d *Device) Acquire() *Lease {
	d.mu.Lock()
	d.leases++
	d.mu.Unlock()
	return &Lease{dev: d}
}

// Defer registers a cleanup to run on Release.
func (l *Lease) Defer(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		fn()
		return
	}
	l.cleanups = append(l.cleanups, fn)
}

// Release frees everything registered on the lease.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	cleanups := l.cleanups
	l.cleanups = nil
	l.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	l.dev.mu.Lock()
	l.dev.leases--
	l.dev.mu.Unlock()
}

// Active returns the number of open leases, for leak checks in tests.
func (d *Device) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leases
}
