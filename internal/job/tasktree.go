package job

import (
	"github.com/batsim-go/batsim/internal/profile"
)

// TaskProgress is the snapshot attached to JOB_KILLED and checkpoint
// records, per §4.2. Kind signals which variant is populated; Sequence
// additionally reports the index of the child currently executing plus its
// own recursive progress.
type TaskProgress struct {
	Kind      profile.Kind
	Value     float64 // in [0,1]; meaningless when Undefined is true
	Undefined bool    // Smpi and unknown leaves report progress as undefined

	ChildIndex int           // valid only when Kind == KindSequence
	Child      *TaskProgress // recursive progress of the active child
}

// TaskNode mirrors one node of a profile for a running job: interior nodes
// for Sequence, leaves for everything else. This is the tagged-union
// "mirrored union for the task-tree node" called for in the design notes,
// expressed as one struct rather than an interface hierarchy.
type TaskNode struct {
	Kind profile.Kind

	// Delay leaf
	Start    float64
	Required float64

	// Parallel leaf (homogeneous or heterogeneous): the kernel reports how
	// much work remains as a ratio in [0,1] (0 meaning done); KernelStarted
	// stays false until the first report.
	RemainingRatio float64
	KernelStarted  bool

	// Sequence interior
	Children           []*TaskNode
	CurrentChildIndex  int
}

// TaskTree is the running-job mirror of a Profile, rooted at a TaskNode.
type TaskTree struct {
	root *TaskNode
}

// NewTaskTree builds a task tree shaped like p, started at time now. Sequence
// profiles need their children resolved by the caller via
// NewTaskTreeWithResolver when the children are not leaf kinds that can be
// synthesized directly; for the common case of delay/parallel/smpi profiles
// this suffices.
func NewTaskTree(p *profile.Profile, now float64) *TaskTree {
	tree := &TaskTree{root: newNode(p, nil)}
	tree.activateFrom(tree.root, now)
	return tree
}

// NewTaskTreeWithResolver builds a task tree resolving Sequence children via
// resolve, which should look the child profile up in the owning workload's
// registry, started at time now.
func NewTaskTreeWithResolver(p *profile.Profile, now float64, resolve func(name string) *profile.Profile) *TaskTree {
	tree := &TaskTree{root: newNode(p, resolve)}
	tree.activateFrom(tree.root, now)
	return tree
}

// activateFrom starts whichever leaf is first reached by descending through
// Sequence interiors, recording now as its Delay start time where relevant.
func (t *TaskTree) activateFrom(n *TaskNode, now float64) {
	if n == nil {
		return
	}
	switch n.Kind {
	case profile.KindDelay:
		n.StartDelay(now)
	case profile.KindSequence:
		if len(n.Children) > 0 {
			t.activateFrom(n.Children[n.CurrentChildIndex], now)
		}
	}
}

func newNode(p *profile.Profile, resolve func(name string) *profile.Profile) *TaskNode {
	node := &TaskNode{Kind: p.Kind}
	switch p.Kind {
	case profile.KindDelay:
		node.Required = p.Seconds
	case profile.KindSequence:
		for range make([]struct{}, max(p.Repeat, 1)) {
			for _, childName := range p.Children {
				if resolve == nil {
					continue
				}
				childProfile := resolve(childName)
				if childProfile == nil {
					continue
				}
				node.Children = append(node.Children, newNode(childProfile, resolve))
			}
		}
	}
	return node
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// StartDelay records when a Delay leaf started, needed for progress.
func (t *TaskNode) StartDelay(now float64) {
	t.Start = now
}

// ReportRemainingRatio records the kernel's current remaining-work ratio for
// a parallel leaf.
func (t *TaskNode) ReportRemainingRatio(ratio float64) {
	t.KernelStarted = true
	t.RemainingRatio = clamp01(ratio)
}

// AdvanceSequence moves a Sequence interior node to its next child and, if
// that child is a Delay leaf, records now as its start time.
func (t *TaskNode) AdvanceSequence(now float64) {
	if t.CurrentChildIndex < len(t.Children)-1 {
		t.CurrentChildIndex++
		if child := t.Children[t.CurrentChildIndex]; child.Kind == profile.KindDelay {
			child.StartDelay(now)
		}
	}
}

// SequenceIndex reports the currently active child index of a
// Sequence-rooted tree, or 0 for any other kind (which never advances).
func (t *TaskTree) SequenceIndex() int {
	if t.root.Kind != profile.KindSequence {
		return 0
	}
	return t.root.CurrentChildIndex
}

// AdvanceSequence steps a Sequence-rooted tree to its next child, recording
// at as that child's start time. A no-op on a tree not rooted at a
// Sequence. The executor calls this as simulated time crosses each child's
// precomputed boundary, per §4.6.
func (t *TaskTree) AdvanceSequence(at float64) {
	if t.root.Kind != profile.KindSequence {
		return
	}
	t.root.AdvanceSequence(at)
}

// Progress computes the tree's progress snapshot with the clock at 0, per
// §4.2; a Delay leaf's progress depends on the clock, so use ProgressAt.
func (t *TaskTree) Progress() TaskProgress {
	return progressOf(t.root, 0)
}

// ProgressAt computes progress for a Delay leaf that needs "now" to derive
// elapsed time; pass the current simulated clock.
func (t *TaskTree) ProgressAt(now float64) TaskProgress {
	return progressOf(t.root, now)
}

func progressOf(n *TaskNode, now float64) TaskProgress {
	if n == nil {
		return TaskProgress{Undefined: true}
	}
	switch n.Kind {
	case profile.KindDelay:
		if n.Required <= 0 {
			return TaskProgress{Kind: n.Kind, Value: 1}
		}
		v := clamp01((now - n.Start) / n.Required)
		return TaskProgress{Kind: n.Kind, Value: v}
	case profile.KindParallelHomogeneous, profile.KindParallelHeterogeneous:
		if !n.KernelStarted {
			return TaskProgress{Kind: n.Kind, Value: 0}
		}
		return TaskProgress{Kind: n.Kind, Value: 1 - n.RemainingRatio}
	case profile.KindSequence:
		var child *TaskProgress
		if n.CurrentChildIndex < len(n.Children) {
			p := progressOf(n.Children[n.CurrentChildIndex], now)
			child = &p
		}
		return TaskProgress{
			Kind:       n.Kind,
			ChildIndex: n.CurrentChildIndex,
			Child:      child,
		}
	default:
		return TaskProgress{Kind: n.Kind, Undefined: true}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
