package events

import (
	"encoding/json"

	"github.com/Witriol/tapedeck/internal/model"
)

// Kind names an event variant on the wire.
type Kind string

const (
	KindProgress     Kind = "progress"
	KindStatusChange Kind = "status_change"
	KindItemAdded    Kind = "item_added"
	KindItemRemoved  Kind = "item_removed"
	KindError        Kind = "error"
)

// Event is one of Progress, StatusChange, ItemAdded, ItemRemoved or Error.
type Event interface {
	Kind() Kind
	JobID() string
}

type Progress struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
	Speed    *string `json:"speed"`
	ETA      *string `json:"eta"`
}

type StatusChange struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

type ItemAdded struct {
	Item model.Item `json:"item"`
}

type ItemRemoved struct {
	ID string `json:"id"`
}

type Error struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (Progress) Kind() Kind     { return KindProgress }
func (StatusChange) Kind() Kind { return KindStatusChange }
func (ItemAdded) Kind() Kind    { return KindItemAdded }
func (ItemRemoved) Kind() Kind  { return KindItemRemoved }
func (Error) Kind() Kind        { return KindError }

func (e Progress) JobID() string     { return e.ID }
func (e StatusChange) JobID() string { return e.ID }
func (e ItemAdded) JobID() string    { return e.Item.ID }
func (e ItemRemoved) JobID() string  { return e.ID }
func (e Error) JobID() string        { return e.ID }

// Encode renders an event as a flat JSON object tagged with "type".
func Encode(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(e.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}
