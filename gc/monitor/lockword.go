package monitor

import "fmt"

// LockWord is the 32-bit header word of an object used for locking and
// hashing. The top two bits give the state:
//
//	|31 30|29 28|27     16|15         0|
//	|  0  | gc  |  count  |  owner id  |  thin locked (unlocked if owner is 0)
//	|  1  | gc  |      monitor id      |  fat locked
//	|  2  | gc  |      hash code       |  hashed
//
// The gc bits are reserved for the collector and kept intact by every
// transition.
type LockWord uint32

// LockState is the state encoded in a lock word.
type LockState uint8

const (
	StateUnlocked LockState = iota
	StateThinLocked
	StateFatLocked
	StateHashCode
)

func (s LockState) String() string {
	switch s {
	case StateUnlocked:
		return "unlocked"
	case StateThinLocked:
		return "thin"
	case StateFatLocked:
		return "fat"
	case StateHashCode:
		return "hash"
	default:
		return "!err"
	}
}

const (
	stateShift = 30
	stateMask  = 3 << stateShift

	stateThinOrUnlocked = 0
	stateFat            = 1
	stateHash           = 2

	gcStateShift = 28
	gcStateMask  = 3 << gcStateShift

	thinOwnerMask  = 1<<16 - 1
	thinCountShift = 16
	thinCountMask  = (1<<12 - 1) << thinCountShift

	// ThinLockMaxCount is the largest recursion count a thin lock can hold.
	// Entering once more inflates the lock.
	ThinLockMaxCount = 1<<12 - 1

	payloadMask = 1<<28 - 1

	// HashMask masks the bits of an identity hash code.
	HashMask = payloadMask
)

// Thin returns the lock word of a thin lock held by owner with the given
// recursion count.
func Thin(owner uint32, count uint32, gc uint32) LockWord {
	return LockWord(owner&thinOwnerMask | count<<thinCountShift&thinCountMask | gc<<gcStateShift&gcStateMask)
}

// Fat returns the lock word of an inflated lock.
func Fat(monitorID uint32, gc uint32) LockWord {
	return LockWord(stateFat<<stateShift | monitorID&payloadMask | gc<<gcStateShift&gcStateMask)
}

// Hash returns the lock word of an unlocked object with a hash code.
func Hash(hash uint32, gc uint32) LockWord {
	return LockWord(stateHash<<stateShift | hash&HashMask | gc<<gcStateShift&gcStateMask)
}

// Unlocked returns the lock word of an unlocked object without hash code.
func Unlocked(gc uint32) LockWord {
	return LockWord(gc << gcStateShift & gcStateMask)
}

// State decodes the state of the lock word.
func (lw LockWord) State() LockState {
	switch uint32(lw) & stateMask >> stateShift {
	case stateThinOrUnlocked:
		if lw.ThinLockOwner() == 0 {
			return StateUnlocked
		}
		return StateThinLocked
	case stateFat:
		return StateFatLocked
	case stateHash:
		return StateHashCode
	default:
		panic(fmt.Sprintf("monitor: invalid lock word %#x", uint32(lw)))
	}
}

// GCState returns the collector bits.
func (lw LockWord) GCState() uint32 {
	return uint32(lw) & gcStateMask >> gcStateShift
}

// ThinLockOwner returns the owner id of a thin lock.
func (lw LockWord) ThinLockOwner() uint32 {
	return uint32(lw) & thinOwnerMask
}

// ThinLockCount returns the recursion count of a thin lock.
func (lw LockWord) ThinLockCount() uint32 {
	return uint32(lw) & thinCountMask >> thinCountShift
}

// MonitorID returns the monitor id of a fat lock.
func (lw LockWord) MonitorID() uint32 {
	return uint32(lw) & payloadMask
}

// HashCode returns the hash code of a hashed lock word.
func (lw LockWord) HashCode() uint32 {
	return uint32(lw) & HashMask
}

func (lw LockWord) String() string {
	switch lw.State() {
	case StateUnlocked:
		return "unlocked"
	case StateThinLocked:
		return fmt.Sprintf("thin(owner=%d count=%d)", lw.ThinLockOwner(), lw.ThinLockCount())
	case StateFatLocked:
		return fmt.Sprintf("fat(monitor=%d)", lw.MonitorID())
	default:
		return fmt.Sprintf("hash(%#x)", lw.HashCode())
	}
}
