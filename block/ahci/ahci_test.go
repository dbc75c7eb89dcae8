package ahci

import "testing"

func TestFreeSlotPicksFirstUnused(t *testing.T) {
	p := &Port{}
	p.inUse[0] = true
	p.inUse[1] = true

	if got := p.freeSlot(); got != 2 {
		t.Errorf("freeSlot() = %d, want 2", got)
	}
}

func TestFreeSlotReturnsNegativeOneWhenFull(t *testing.T) {
	p := &Port{}
	for i := range p.inUse {
		p.inUse[i] = true
	}

	if got := p.freeSlot(); got != -1 {
		t.Errorf("freeSlot() = %d, want -1", got)
	}
}

func TestInfoReflectsIdentifyResults(t *testing.T) {
	p := &Port{sectorSize: 512, sectorCount: 1_000_000}

	info := p.Info()
	if info.SectorSize != 512 || info.SectorCount != 1_000_000 {
		t.Errorf("Info() = %+v", info)
	}
}
