package cryptotoken

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/cockroachdb/errors"
)

// SlotID identifies a slot in the token by index and identifier
type SlotID struct {
	Index int  `json:"index" yaml:"index"`
	ID    uint `json:"id" yaml:"id"`
}

// String returns string representation of the slot
func (s SlotID) String() string {
	return fmt.Sprintf("%d/0x%X", s.Index, s.ID)
}

// SlotRef references a slot by index, identifier, or both
type SlotRef struct {
	Index    int
	ID       uint
	HasIndex bool
	HasID    bool
}

// SlotByIndex returns reference to the slot with index
func SlotByIndex(index int) SlotRef {
	return SlotRef{Index: index, HasIndex: true}
}

// SlotByID returns reference to the slot with identifier
func SlotByID(id uint) SlotRef {
	return SlotRef{ID: id, HasID: true}
}

// RefOf returns reference to the slot with both index and identifier
func RefOf(s SlotID) SlotRef {
	return SlotRef{Index: s.Index, ID: s.ID, HasIndex: true, HasID: true}
}

// Validate returns error if the reference is empty
func (r SlotRef) Validate() error {
	if !r.HasIndex && !r.HasID {
		return errors.Wrap(ErrUnknownIdentity, "slot index or id must be specified")
	}
	if r.HasIndex && r.Index < 0 {
		return errors.Wrapf(ErrUnknownIdentity, "invalid slot index: %d", r.Index)
	}
	return nil
}

// Matches returns true if the slot matches all specified components
func (r SlotRef) Matches(s SlotID) bool {
	if !r.HasIndex && !r.HasID {
		return false
	}
	return (!r.HasIndex || r.Index == s.Index) && (!r.HasID || r.ID == s.ID)
}

// String returns string representation of the reference
func (r SlotRef) String() string {
	switch {
	case r.HasIndex && r.HasID:
		return fmt.Sprintf("%d/0x%X", r.Index, r.ID)
	case r.HasIndex:
		return fmt.Sprintf("%d", r.Index)
	case r.HasID:
		return fmt.Sprintf("0x%X", r.ID)
	}
	return "<none>"
}

// KeyID identifies a key in the slot by opaque ID, Label, or both
type KeyID struct {
	ID    []byte `json:"id,omitempty" yaml:"id,omitempty"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// KeyByID returns KeyID with identifier only
func KeyByID(id []byte) KeyID {
	return KeyID{ID: id}
}

// KeyByLabel returns KeyID with label only
func KeyByLabel(label string) KeyID {
	return KeyID{Label: label}
}

// IsEmpty returns true if neither ID nor Label is specified
func (k KeyID) IsEmpty() bool {
	return len(k.ID) == 0 && k.Label == ""
}

// Validate returns error if the reference is empty
func (k KeyID) Validate() error {
	if k.IsEmpty() {
		return errors.Wrap(ErrUnknownIdentity, "key id or label must be specified")
	}
	return nil
}

// Matches returns true if the key matches all specified components of k
func (k KeyID) Matches(key KeyID) bool {
	if k.IsEmpty() {
		return false
	}
	return (len(k.ID) == 0 || bytes.Equal(k.ID, key.ID)) &&
		(k.Label == "" || k.Label == key.Label)
}

// String returns string representation of the key
func (k KeyID) String() string {
	switch {
	case len(k.ID) > 0 && k.Label != "":
		return fmt.Sprintf("%s(%s)", hex.EncodeToString(k.ID), k.Label)
	case len(k.ID) > 0:
		return hex.EncodeToString(k.ID)
	}
	return k.Label
}
