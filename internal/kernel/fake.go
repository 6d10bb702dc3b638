package kernel

import (
	"sort"
	"sync"
)

// Call records one kernel operation performed against a FakeKernel.
type Call struct {
	// Op is the operation name, e.g. "MountOverlay".
	Op string

	// Target is the primary path argument.
	Target string

	// Args holds the remaining arguments in call order.
	Args []string
}

// FakeKernel is an in-memory Interface for tests. It records every
// call, tracks a synthetic set of mount points, and fails operations
// on demand.
type FakeKernel struct {
	mu sync.Mutex

	// Calls is the record of every operation, in order.
	Calls []Call

	// FailOps maps "Op:target" to the error that operation returns.
	// An entry keyed by just "Op" fails every target.
	FailOps map[string]error

	// StatfsUsage is returned by Statfs for any path.
	StatfsUsage Usage

	// NukeCount counts NukeSysfs calls.
	NukeCount int

	// ProcessName is the last name passed to SetProcessName.
	ProcessName string

	mounted map[string]bool
}

// NewFakeKernel creates a FakeKernel with no mounts and no failures.
func NewFakeKernel() *FakeKernel {
	return &FakeKernel{
		FailOps: map[string]error{},
		mounted: map[string]bool{},
	}
}

var _ Interface = (*FakeKernel)(nil)

// FailNext arranges for op against target to fail with err. An empty
// target fails the op for every target.
func (k *FakeKernel) FailNext(op, target string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := op
	if target != "" {
		key = op + ":" + target
	}
	k.FailOps[key] = err
}

// Mounted reports whether target is in the synthetic mount table.
func (k *FakeKernel) Mounted(target string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mounted[target]
}

// CallsFor returns the recorded calls for one operation.
func (k *FakeKernel) CallsFor(op string) []Call {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []Call
	for _, c := range k.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (k *FakeKernel) record(op, target string, args ...string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Calls = append(k.Calls, Call{Op: op, Target: target, Args: args})
	if err, ok := k.FailOps[op+":"+target]; ok {
		return err
	}
	if err, ok := k.FailOps[op]; ok {
		return err
	}
	return nil
}

func (k *FakeKernel) mount(op, target string, args ...string) error {
	if err := k.record(op, target, args...); err != nil {
		return err
	}
	k.mu.Lock()
	k.mounted[target] = true
	k.mu.Unlock()
	return nil
}

func (k *FakeKernel) MountTmpfs(source, target string) error {
	return k.mount("MountTmpfs", target, source)
}

func (k *FakeKernel) MountOverlay(target, source string, lowerdirs []string, upperdir, workdir string) error {
	args := append([]string{source}, lowerdirs...)
	args = append(args, upperdir, workdir)
	return k.mount("MountOverlay", target, args...)
}

func (k *FakeKernel) MountExt4(device, target string) error {
	return k.mount("MountExt4", target, device)
}

func (k *FakeKernel) BindMount(source, target string) error {
	return k.mount("BindMount", target, source)
}

func (k *FakeKernel) RemountReadOnly(target string) error {
	return k.record("RemountReadOnly", target)
}

func (k *FakeKernel) MoveMount(from, to string) error {
	if err := k.record("MoveMount", to, from); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.mounted, from)
	k.mounted[to] = true
	k.mu.Unlock()
	return nil
}

// HoldRoot returns path unchanged; the fake's mount table never
// shadows real directories, so no procfs alias is needed.
func (k *FakeKernel) HoldRoot(path string) (string, func(), error) {
	if err := k.record("HoldRoot", path); err != nil {
		return "", nil, err
	}
	return path, func() {}, nil
}

func (k *FakeKernel) Unmount(target string) error {
	if err := k.record("Unmount", target); err != nil {
		return err
	}
	k.mu.Lock()
	delete(k.mounted, target)
	k.mu.Unlock()
	return nil
}

func (k *FakeKernel) MountPoints() ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err, ok := k.FailOps["MountPoints"]; ok {
		return nil, err
	}
	points := make([]string, 0, len(k.mounted))
	for p := range k.mounted {
		points = append(points, p)
	}
	sort.Strings(points)
	return points, nil
}

func (k *FakeKernel) Statfs(path string) (Usage, error) {
	if err := k.record("Statfs", path); err != nil {
		return Usage{}, err
	}
	return k.StatfsUsage, nil
}

func (k *FakeKernel) LoopAttach(imagePath string) (string, error) {
	if err := k.record("LoopAttach", imagePath); err != nil {
		return "", err
	}
	return "/dev/loop7", nil
}

func (k *FakeKernel) LoopDetach(device string) error {
	return k.record("LoopDetach", device)
}

func (k *FakeKernel) NukeSysfs(device string) error {
	if err := k.record("NukeSysfs", device); err != nil {
		return err
	}
	k.mu.Lock()
	k.NukeCount++
	k.mu.Unlock()
	return nil
}

func (k *FakeKernel) SetProcessName(name string) error {
	if err := k.record("SetProcessName", name); err != nil {
		return err
	}
	k.mu.Lock()
	k.ProcessName = name
	k.mu.Unlock()
	return nil
}
