package scan

import "testing"

func TestLinspaceExactSpacing(t *testing.T) {
	targets, err := Linspace(0, 0.3, 4)
	if err != nil {
		t.Fatalf("Linspace failed: %v", err)
	}
	want := []float64{0, 0.1, 0.2, 0.3}
	if len(targets) != len(want) {
		t.Fatalf("expected %d targets, got %d", len(want), len(targets))
	}
	for i, value := range want {
		if targets[i] != value {
			t.Fatalf("target %d: expected exactly %v, got %v", i, value, targets[i])
		}
	}
}

func TestLinspaceEdgeCases(t *testing.T) {
	targets, err := Linspace(5, -5, 1)
	if err != nil {
		t.Fatalf("Linspace failed: %v", err)
	}
	if len(targets) != 1 || targets[0] != 5 {
		t.Fatalf("expected single start target, got %v", targets)
	}

	targets, err = Linspace(2, 2, 3)
	if err != nil {
		t.Fatalf("Linspace failed: %v", err)
	}
	for _, value := range targets {
		if value != 2 {
			t.Fatalf("expected constant targets, got %v", targets)
		}
	}

	if _, err := Linspace(0, 1, 0); err == nil {
		t.Fatal("expected error for zero points")
	}
}

func TestSegmentStepDerivesCount(t *testing.T) {
	targets, err := Segment{Start: 0, Stop: 1, Step: 0.25}.Targets()
	if err != nil {
		t.Fatalf("Targets failed: %v", err)
	}
	if len(targets) != 5 {
		t.Fatalf("expected 5 targets, got %v", targets)
	}
	if targets[0] != 0 || targets[4] != 1 {
		t.Fatalf("expected endpoints 0 and 1, got %v", targets)
	}

	targets, err = Segment{Start: 1, Stop: 0, Step: -0.5}.Targets()
	if err != nil {
		t.Fatalf("Targets failed with negative step: %v", err)
	}
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %v", targets)
	}

	if _, err := (Segment{Start: 0, Stop: 1}).Targets(); err == nil {
		t.Fatal("expected error without npts or step")
	}
	if _, err := (Segment{Start: 0, Stop: 1, Npts: 1}).Targets(); err == nil {
		t.Fatal("expected error for single-point segment")
	}
}

func TestSegmentTargetsJoinsBoundaries(t *testing.T) {
	targets, err := SegmentTargets([]Segment{
		{Start: 0, Stop: 1, Npts: 3},
		{Start: 1, Stop: 3, Npts: 3},
	})
	if err != nil {
		t.Fatalf("SegmentTargets failed: %v", err)
	}
	want := []float64{0, 0.5, 1, 2, 3}
	if len(targets) != len(want) {
		t.Fatalf("expected %d targets, got %v", len(want), targets)
	}
	for i, value := range want {
		if targets[i] != value {
			t.Fatalf("target %d: expected %v, got %v", i, value, targets[i])
		}
	}

	targets, err = SegmentTargets([]Segment{
		{Start: 0, Stop: 1, Npts: 2},
		{Start: 5, Stop: 6, Npts: 2},
	})
	if err != nil {
		t.Fatalf("SegmentTargets failed: %v", err)
	}
	if len(targets) != 4 {
		t.Fatalf("expected disjoint segments to keep all points, got %v", targets)
	}

	if _, err := SegmentTargets(nil); err == nil {
		t.Fatal("expected error for empty segment list")
	}
}

func TestMeshTargets(t *testing.T) {
	outer, inner := MeshTargets([]float64{1, 2}, []float64{10, 20, 30})
	wantOuter := []float64{1, 1, 1, 2, 2, 2}
	wantInner := []float64{10, 20, 30, 10, 20, 30}
	if len(outer) != 6 || len(inner) != 6 {
		t.Fatalf("expected 6 grid points, got %d/%d", len(outer), len(inner))
	}
	for i := range wantOuter {
		if outer[i] != wantOuter[i] || inner[i] != wantInner[i] {
			t.Fatalf("grid point %d: expected (%v,%v), got (%v,%v)",
				i, wantOuter[i], wantInner[i], outer[i], inner[i])
		}
	}
}
