// Package transport carries forward and backward messages between runtimes.
//
// A QueueTransport proxy stands in for a module hosted elsewhere: every call
// becomes an Envelope pushed onto the queue of the hosting runtime. That
// runtime's Receiver pops envelopes and delivers them to its local modules.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/scottdavis/nnflow/pkg/errors"
	"github.com/scottdavis/nnflow/pkg/tensor"
)

// Kind is the direction of an envelope.
type Kind string

const (
	KindForward  Kind = "forward"
	KindBackward Kind = "backward"
)

// Envelope is one forward or backward call on the wire.
type Envelope struct {
	ID           uuid.UUID `json:"id"`
	Kind         Kind      `json:"kind"`
	NNInstanceID uuid.UUID `json:"nn_instance_id"`
	From         uuid.UUID `json:"from"`
	To           uuid.UUID `json:"to"`
	// Tensor is the Arrow IPC encoding of the payload.
	Tensor []byte    `json:"tensor"`
	Tags   []string  `json:"tags,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// NewEnvelope encodes a call to module to of instance nnID.
func NewEnvelope(kind Kind, nnID, from, to uuid.UUID, t *tensor.Tensor, tags []string) (*Envelope, error) {
	if t == nil {
		return nil, errors.New(errors.InvalidInput, "nil tensor")
	}
	data, err := tensor.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:           uuid.New(),
		Kind:         kind,
		NNInstanceID: nnID,
		From:         from,
		To:           to,
		Tensor:       data,
		Tags:         append([]string(nil), tags...),
		SentAt:       time.Now().UTC(),
	}, nil
}

// Decode returns the payload tensor.
func (e *Envelope) Decode() (*tensor.Tensor, error) {
	return tensor.Unmarshal(e.Tensor)
}

// Marshal serializes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to marshal envelope")
	}
	return data, nil
}

// UnmarshalEnvelope parses an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, errors.InvalidResponse, "failed to unmarshal envelope")
	}
	if e.Kind != KindForward && e.Kind != KindBackward {
		return nil, errors.WithFields(
			errors.New(errors.InvalidResponse, "unknown envelope kind"),
			errors.Fields{"envelope_id": e.ID, "kind": e.Kind},
		)
	}
	return &e, nil
}

// HostQueue is the name of the queue a runtime receives envelopes on.
func HostQueue(runtimeID uuid.UUID) string {
	return fmt.Sprintf("nnflow:host:%s", runtimeID)
}
