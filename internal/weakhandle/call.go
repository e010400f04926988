package weakhandle

import "github.com/danmuck/affinity/internal/sequence"

// Call1 through Call4 bind a method expression and its arguments into a
// single Call. Arguments are copied when the call is made, so pass values
// that are safe to hand to another goroutine.
//
//	weakhandle.Call1(h, (*Collector).OnStart, "worker-1")
func Call1[T, A1 any](h Handle[T], method func(*T, A1), a1 A1) {
	h.invoke(sequence.FromHere(1), func(t *T) { method(t, a1) })
}

func Call2[T, A1, A2 any](h Handle[T], method func(*T, A1, A2), a1 A1, a2 A2) {
	h.invoke(sequence.FromHere(1), func(t *T) { method(t, a1, a2) })
}

func Call3[T, A1, A2, A3 any](h Handle[T], method func(*T, A1, A2, A3), a1 A1, a2 A2, a3 A3) {
	h.invoke(sequence.FromHere(1), func(t *T) { method(t, a1, a2, a3) })
}

func Call4[T, A1, A2, A3, A4 any](h Handle[T], method func(*T, A1, A2, A3, A4), a1 A1, a2 A2, a3 A3, a4 A4) {
	h.invoke(sequence.FromHere(1), func(t *T) { method(t, a1, a2, a3, a4) })
}
