package slot

import "fmt"

// DuplicateReplicaError is returned by AddFollower when server already owns
// a role (leader or follower) for the slot.
type DuplicateReplicaError struct {
	Slot   ID
	Server ServerID
}

func (e *DuplicateReplicaError) Error() string {
	return fmt.Sprintf("slot %d: %s is already a replica of this slot", e.Slot, e.Server)
}

// OverflowError is returned by AddFollower when the resulting follower
// count would exceed slotReplicas-1.
type OverflowError struct {
	Slot     ID
	Replicas int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("slot %d: follower count would exceed slotReplicas-1=%d", e.Slot, e.Replicas-1)
}

// NotFoundError is returned by RemoveFollower when server is not currently
// a follower of the slot.
type NotFoundError struct {
	Slot   ID
	Server ServerID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("slot %d: %s is not a follower of this slot", e.Slot, e.Server)
}

// InvariantViolationError marks a failed postcondition inside the builder:
// a mutation that would have left a server as both leader and follower of
// the same slot. Unlike the other builder errors this does not indicate
// caller misuse of the mutation API by itself, but it is fatal all the
// same -- see balance.InvariantViolationError for the balancer-level form.
type InvariantViolationError struct {
	Slot   ID
	Server ServerID
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("slot %d: invariant violated for %s: %s", e.Slot, e.Server, e.Reason)
}
