package workflow

import "github.com/jun/doclock/internal/model"

// Reconciler feeds externally fetched lock statuses into a Machine. It never
// issues remote calls; the owner fetches and hands results over.
type Reconciler struct {
	m *Machine
}

func NewReconciler(m *Machine) *Reconciler {
	return &Reconciler{m: m}
}

// Begin reserves the sequence number for a fetch about to be issued. Results
// must be passed back with the same number so older fetches lose to newer ones.
func (r *Reconciler) Begin() uint64 {
	return r.m.NextStatusSeq()
}

// Observe applies a lock status fetched under seq.
func (r *Reconciler) Observe(seq uint64, status model.LockStatus) Outcome {
	return r.m.Apply(StatusObserved{Status: status, Seq: seq})
}

// ObserveViewInfo applies the lock status carried by a view-info response.
func (r *Reconciler) ObserveViewInfo(seq uint64, info *model.ViewInfo) Outcome {
	if info == nil {
		return Outcome{Stale: true}
	}
	return r.Observe(seq, info.Lock)
}
