package device

import (
	"errors"
	"testing"

	"github.com/aciddelgado/qllm/pkg/quant"
)

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	dev := CPU()
	lease := dev.Acquire()

	runs := 0
	lease.Defer(func() { runs++ })
	lease.Release()
	lease.Release()

	if runs != 1 {
		t.Fatalf("cleanup ran %d times, want 1", runs)
	}
	if dev.Active() != 0 {
		t.Fatalf("active leases after release: %d", dev.Active())
	}
}

func TestLeaseCleanupOrderLIFO(t *testing.T) {
	t.Parallel()

	dev := CPU()
	lease := dev.Acquire()

	var order []int
	lease.Defer(func() { order = append(order, 1) })
	lease.Defer(func() { order = append(order, 2) })
	lease.Release()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("cleanup order: %v, want [2 1]", order)
	}
}

func TestDeferAfterReleaseRunsImmediately(t *testing.T) {
	t.Parallel()

	lease := CPU().Acquire()
	lease.Release()

	ran := false
	lease.Defer(func() { ran = true })
	if !ran {
		t.Fatal("cleanup registered after release did not run")
	}
}

func TestPortableEnginesAlwaysAvailable(t *testing.T) {
	t.Parallel()

	if !HasEngine(quant.ModeGPTQ) {
		t.Fatal("GPTQ fallback kernel must always be available")
	}
	if !HasEngine(quant.ModeORT) {
		t.Fatal("ORT fallback kernel must always be available")
	}
}

func TestRequireEngineMatchesProbe(t *testing.T) {
	t.Parallel()

	if err := RequireEngine(quant.ModeGPTQ); err != nil {
		t.Fatalf("portable engine reported missing: %v", err)
	}

	err := RequireEngine(quant.ModeAWQ)
	if HasEngine(quant.ModeAWQ) {
		if err != nil {
			t.Fatalf("available engine reported missing: %v", err)
		}
		return
	}
	var missing *EngineMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected EngineMissingError, got %v", err)
	}
	if missing.Mode != quant.ModeAWQ {
		t.Fatalf("error mode: %s", missing.Mode)
	}
}
