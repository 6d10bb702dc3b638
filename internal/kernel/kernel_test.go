package kernel

import (
	"errors"
	"testing"
)

func TestUsagePercent(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
		want  uint8
	}{
		{"empty filesystem", Usage{}, 0},
		{"half full", Usage{TotalBytes: 1000, UsedBytes: 500}, 50},
		{"full", Usage{TotalBytes: 1 << 30, UsedBytes: 1 << 30}, 100},
		{"rounds down", Usage{TotalBytes: 1000, UsedBytes: 999}, 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.usage.Percent(); got != tt.want {
				t.Errorf("Percent() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFakeKernelMountTable(t *testing.T) {
	k := NewFakeKernel()

	if err := k.MountTmpfs("label", "/mnt/a"); err != nil {
		t.Fatal(err)
	}
	if err := k.BindMount("/src", "/mnt/b"); err != nil {
		t.Fatal(err)
	}

	points, err := k.MountPoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 || points[0] != "/mnt/a" || points[1] != "/mnt/b" {
		t.Errorf("MountPoints() = %v", points)
	}

	if err := k.MoveMount("/mnt/a", "/mnt/c"); err != nil {
		t.Fatal(err)
	}
	if k.Mounted("/mnt/a") || !k.Mounted("/mnt/c") {
		t.Error("MoveMount did not move the table entry")
	}

	if err := k.Unmount("/mnt/c"); err != nil {
		t.Fatal(err)
	}
	if k.Mounted("/mnt/c") {
		t.Error("Unmount left the table entry")
	}
}

func TestFakeKernelFailureInjection(t *testing.T) {
	k := NewFakeKernel()
	boom := errors.New("boom")

	k.FailNext("MountTmpfs", "/mnt/bad", boom)
	if err := k.MountTmpfs("label", "/mnt/good"); err != nil {
		t.Errorf("unrelated target failed: %v", err)
	}
	if err := k.MountTmpfs("label", "/mnt/bad"); !errors.Is(err, boom) {
		t.Errorf("MountTmpfs(/mnt/bad) = %v, want boom", err)
	}

	k.FailNext("BindMount", "", boom)
	if err := k.BindMount("/a", "/b"); !errors.Is(err, boom) {
		t.Errorf("BindMount = %v, want boom for every target", err)
	}
}
