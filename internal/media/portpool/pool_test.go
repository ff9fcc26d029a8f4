package portpool

import "testing"

func TestAllocateReturnsEvenOddPair(t *testing.T) {
	p := New(20000, 20010)
	rtp, rtcp, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if rtp%2 != 0 || rtcp != rtp+1 {
		t.Fatalf("got rtp=%d rtcp=%d, want even/odd pair", rtp, rtcp)
	}
}

func TestExhaustion(t *testing.T) {
	p := New(20000, 20004) // two pairs: 20000/20001, 20002/20003
	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("first Allocate: %v", err)
	}
	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if _, _, err := p.Allocate(); err == nil {
		t.Fatalf("expected PortExhausted on third Allocate")
	}
}

func TestReleaseReturnsPairToPool(t *testing.T) {
	p := New(20000, 20002)
	rtp, _, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p.Available() != 0 {
		t.Fatalf("Available() = %d, want 0", p.Available())
	}
	p.Release(rtp)
	if p.Available() != 1 {
		t.Fatalf("Available() after release = %d, want 1", p.Available())
	}
}
