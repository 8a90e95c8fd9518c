package aead

import "sync"

// WindowSize is the default replay window width in sequence numbers
// (§3 ReplayWindow, §6 `replay_window` configuration key).
const WindowSize = 1024

// Window is a sliding bitmap replay-defense structure keyed on sequence
// number, one per receive direction of one session (§3, §4.2).
type Window struct {
	mu  sync.Mutex
	hwm uint64 // highest sequence accepted so far
	set bool   // whether hwm has been initialized
	bits [WindowSize / 64]uint64
}

// NewWindow returns an empty replay window.
func NewWindow() *Window {
	return &Window{}
}

func (w *Window) bitIndex(seq uint64) int {
	return int(seq % WindowSize)
}

func (w *Window) getBit(i int) bool {
	return w.bits[i/64]&(1<<(uint(i)%64)) != 0
}

func (w *Window) setBit(i int) {
	w.bits[i/64] |= 1 << (uint(i) % 64)
}

func (w *Window) clearBit(i int) {
	w.bits[i/64] &^= 1 << (uint(i) % 64)
}

// Accept implements the acceptance rules of §4.2:
//
//	(a) seq > hwm                         -> accept, shift the window
//	(b) hwm-WindowSize+1 <= seq <= hwm     -> accept iff bit unset
//	(c) otherwise                          -> reject (replay)
//
// It must be called only after AEAD authentication has succeeded
// (Invariant I3): Accept mutates window state, and decrypt-then-accept
// ordering is what lets a forged frame fail without polluting the
// window.
func (w *Window) Accept(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.set {
		w.set = true
		w.hwm = seq
		w.setBit(w.bitIndex(seq))
		return true
	}

	if seq > w.hwm {
		w.shiftTo(seq)
		w.setBit(w.bitIndex(seq))
		return true
	}

	if w.hwm-seq >= WindowSize {
		return false
	}
	idx := w.bitIndex(seq)
	if w.getBit(idx) {
		return false
	}
	w.setBit(idx)
	return true
}

// shiftTo advances the high-water mark to newHwm, clearing bits for
// sequence numbers that fall out of the trailing WindowSize range so
// stale acceptances cannot linger and falsely reject a legitimate
// future sequence that aliases the same bit index.
func (w *Window) shiftTo(newHwm uint64) {
	gap := newHwm - w.hwm
	if gap >= WindowSize {
		w.bits = [WindowSize / 64]uint64{}
	} else {
		// clear the bits for sequence numbers that are sliding out of
		// the window, i.e. (old hwm - WindowSize, new hwm - WindowSize].
		for s := w.hwm + 1; s <= newHwm; s++ {
			if s < WindowSize {
				continue
			}
			w.clearBit(w.bitIndex(s - WindowSize))
		}
	}
	w.hwm = newHwm
}

// HighWaterMark returns the highest sequence number accepted so far.
func (w *Window) HighWaterMark() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hwm
}

// Reset clears the window, used when a ratchet epoch rolls over (§5:
// "across epochs, the replay window is reset").
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bits = [WindowSize / 64]uint64{}
	w.hwm = 0
	w.set = false
}
