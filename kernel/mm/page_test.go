package mm

import (
	"copperos/kernel"
	"testing"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestFrameAllocator(t *testing.T) {
	var allocCalled bool
	customAlloc := func() (Frame, *kernel.Error) {
		allocCalled = true
		return FrameFromAddress(0xbadf00), nil
	}

	defer SetFrameAllocator(nil)
	SetFrameAllocator(customAlloc)

	if _, err := AllocFrame(); err != nil {
		t.Fatalf(err.Error())
	}

	if !allocCalled {
		t.Fatal("expected custom allocator to be invoked after all to AllocFrame")
	}

	SetFrameAllocator(nil)
	if frame, err := AllocFrame(); err != ErrOutOfMemory || frame.Valid() {
		t.Fatalf("expected AllocFrame without an allocator to fail with ErrOutOfMemory; got %v, %v", frame, err)
	}
}

func TestFrameReleaser(t *testing.T) {
	defer SetFrameReleaser(nil)

	if err := FreeFrame(Frame(1)); err != nil {
		t.Fatalf("expected FreeFrame without a releaser to be a no-op; got %v", err)
	}

	var released []Frame
	SetFrameReleaser(func(f Frame) *kernel.Error {
		released = append(released, f)
		return nil
	})

	for _, f := range []Frame{3, 7} {
		if err := FreeFrame(f); err != nil {
			t.Fatal(err)
		}
	}

	if len(released) != 2 || released[0] != 3 || released[1] != 7 {
		t.Fatalf("expected releaser to observe frames [3 7]; got %v", released)
	}
}

func TestPageCount(t *testing.T) {
	specs := []struct {
		size uintptr
		exp  uintptr
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{3 * PageSize, 3},
	}

	for specIndex, spec := range specs {
		if got := PageCount(spec.size); got != spec.exp {
			t.Errorf("[spec %d] expected %d pages; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestPhysToVirt(t *testing.T) {
	defer SetDirectMapBase(0)

	if exp, got := uintptr(0x1000), PhysToVirt(0x1000); got != exp {
		t.Fatalf("expected identity translation without a direct map base; got %x", got)
	}

	SetDirectMapBase(0xffff800000000000)
	if exp, got := uintptr(0xffff800000201000), PhysToVirt(0x201000); got != exp {
		t.Fatalf("expected %x; got %x", exp, got)
	}
}
