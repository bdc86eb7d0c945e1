package controller

import (
	"encoding/json"

	"github.com/eyeKill/slotbalancer/slot"
)

// tableDTO is the JSON wire shape for a persisted SlotTable. SlotTable's
// fields are private by design -- balancer code never builds one except
// through a Builder -- so the controller round-trips through this plain
// struct instead of relying on encoding/json's reflection over SlotTable
// itself.
type tableDTO struct {
	Epoch        uint64          `json:"epoch"`
	SlotNum      int             `json:"slot_num"`
	SlotReplicas int             `json:"slot_replicas"`
	Assignments  []assignmentDTO `json:"assignments"`
}

type assignmentDTO struct {
	Leader    slot.ServerID   `json:"leader,omitempty"`
	Followers []slot.ServerID `json:"followers,omitempty"`
}

func marshalTable(t *slot.SlotTable) ([]byte, error) {
	dto := tableDTO{
		Epoch:        t.Epoch(),
		SlotNum:      t.SlotNum(),
		SlotReplicas: t.SlotReplicas(),
		Assignments:  make([]assignmentDTO, t.SlotNum()),
	}
	for id := 0; id < t.SlotNum(); id++ {
		dto.Assignments[id] = assignmentDTO{
			Leader:    t.Leader(slot.ID(id)),
			Followers: t.Followers(slot.ID(id)),
		}
	}
	return json.Marshal(dto)
}

func unmarshalTable(data []byte) (*slot.SlotTable, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var dto tableDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, err
	}
	assignments := make([]slot.Assignment, len(dto.Assignments))
	for i, a := range dto.Assignments {
		assignments[i] = slot.Assignment{Leader: a.Leader, Followers: a.Followers}
	}
	return slot.NewSlotTable(dto.Epoch, dto.SlotNum, dto.SlotReplicas, assignments), nil
}
