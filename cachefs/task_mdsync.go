package cachefs

// taskMDSync writes one serialized metadata snapshot to its slot from an
// AIO write worker.
type taskMDSync struct {
	fsops *fsOps
	buf   []byte
	offs  uint64
	onEnd func(ok bool)
}

func (t *taskMDSync) Exec() {
	err := t.fsops.VolWriteDisk(t.buf, t.offs)
	t.onEnd(err == nil)
}

func (t *taskMDSync) ServiceStopped() {
	// The orchestrator's close path reconciles an aborted sync itself:
	// it rolls the sync serial back and saves synchronously.
}
