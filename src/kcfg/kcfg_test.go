package kcfg

import "testing"

func TestDefaultMatchesTeacherConstants(t *testing.T) {
	b := Default()
	if b.MagazineMin != 1 || b.MagazineMax != 32 {
		t.Fatalf("magazine bounds = [%d,%d], want [1,32]", b.MagazineMin, b.MagazineMax)
	}
	if b.BusyResizeThreshold != 5 {
		t.Fatalf("BusyResizeThreshold = %d, want 5", b.BusyResizeThreshold)
	}
}

func TestDefaultIsOverridable(t *testing.T) {
	b := Default()
	b.NumCPU = 8
	b.PhysPages = 1 << 20
	if b.NumCPU != 8 || b.PhysPages != 1<<20 {
		t.Fatal("Boot fields should be freely overridable after Default()")
	}
}
