// Package models defines the domain models for the Pico MES bridge.
package models

import (
	"sort"
	"time"
)

// AttributeType classifies a process attribute by its role in production.
type AttributeType string

const (
	AttributeProduce AttributeType = "produce"
	AttributeConsume AttributeType = "consume"
	AttributeOther   AttributeType = "other"
)

// Workflow is the root of a Pico process definition aggregate. It is created
// on the first sync and never deleted; stale children are archived instead.
type Workflow struct {
	ID        string    `json:"id" db:"id"`
	PicoID    string    `json:"pico_id" db:"pico_id"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Versions  []*Version `json:"versions"`
	Processes []*Process `json:"processes"`
}

// Version is one immutable revision of a workflow as reported by the MES.
// At most one version per workflow is active at a time.
type Version struct {
	ID         string `json:"id" db:"id"`
	WorkflowID string `json:"workflow_id" db:"workflow_id"`
	PicoID     string `json:"pico_id" db:"pico_id"`
	Active     bool   `json:"active" db:"active"`
}

// Process is a production step within a workflow. Sequence is 1-based and
// follows the order reported by the MES. ProducingProcessID points at the
// nearest subsequent process holding a produce attribute; it is empty when
// the process produces itself or no producer follows it.
type Process struct {
	ID                 string `json:"id" db:"id"`
	WorkflowID         string `json:"workflow_id" db:"workflow_id"`
	PicoID             string `json:"pico_id" db:"pico_id"`
	Name               string `json:"name" db:"name"`
	Sequence           int    `json:"sequence" db:"sequence"`
	Active             bool   `json:"active" db:"active"`
	ProducingProcessID string `json:"producing_process_id,omitempty" db:"producing_process_id"`

	Attributes []*Attribute `json:"attributes"`
}

// Attribute is a typed data point reported by the MES for a process.
type Attribute struct {
	ID        string        `json:"id" db:"id"`
	ProcessID string        `json:"process_id" db:"process_id"`
	PicoID    string        `json:"pico_id" db:"pico_id"`
	Name      string        `json:"name" db:"name"`
	Type      AttributeType `json:"type" db:"type"`
	Active    bool          `json:"active" db:"active"`
}

// ActiveVersion returns the workflow's currently active version, or nil.
func (w *Workflow) ActiveVersion() *Version {
	for _, v := range w.Versions {
		if v.Active {
			return v
		}
	}
	return nil
}

// VersionByPicoID returns the version with the given external id, or nil.
func (w *Workflow) VersionByPicoID(picoID string) *Version {
	for _, v := range w.Versions {
		if v.PicoID == picoID {
			return v
		}
	}
	return nil
}

// ProcessByID returns the process with the given local id, or nil.
func (w *Workflow) ProcessByID(id string) *Process {
	for _, p := range w.Processes {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ProcessByPicoID returns the process with the given external id, or nil.
func (w *Workflow) ProcessByPicoID(picoID string) *Process {
	for _, p := range w.Processes {
		if p.PicoID == picoID {
			return p
		}
	}
	return nil
}

// ActiveProcesses returns the active processes ordered by sequence.
func (w *Workflow) ActiveProcesses() []*Process {
	var out []*Process
	for _, p := range w.Processes {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// ProcessChain returns the ordered set of active processes that feed the
// target process: the target itself plus every active process whose
// producing-process reference points at it. A production run for a recipe
// assigned to the target process needs one work order per chain member.
func (w *Workflow) ProcessChain(targetProcessID string) []*Process {
	var out []*Process
	for _, p := range w.ActiveProcesses() {
		if p.ID == targetProcessID || p.ProducingProcessID == targetProcessID {
			out = append(out, p)
		}
	}
	return out
}

// AttributeByPicoID returns the process attribute with the given external
// id, or nil.
func (p *Process) AttributeByPicoID(picoID string) *Attribute {
	for _, a := range p.Attributes {
		if a.PicoID == picoID {
			return a
		}
	}
	return nil
}

// ProduceAttribute returns the process's active produce-type attribute, or
// nil. At most one is expected per process.
func (p *Process) ProduceAttribute() *Attribute {
	for _, a := range p.Attributes {
		if a.Active && a.Type == AttributeProduce {
			return a
		}
	}
	return nil
}

// Clone returns a deep copy of the workflow aggregate.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Versions = make([]*Version, len(w.Versions))
	for i, v := range w.Versions {
		vv := *v
		cp.Versions[i] = &vv
	}
	cp.Processes = make([]*Process, len(w.Processes))
	for i, p := range w.Processes {
		pp := *p
		pp.Attributes = make([]*Attribute, len(p.Attributes))
		for j, a := range p.Attributes {
			aa := *a
			pp.Attributes[j] = &aa
		}
		cp.Processes[i] = &pp
	}
	return &cp
}
