// internal/model/recipient_group.go
package model

import (
	"bytes"
	"encoding/json"
	"errors"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
)

type RecipientGroupKind string

const (
	GroupAllContacts RecipientGroupKind = "all_contacts"
	GroupSpecificIDs RecipientGroupKind = "specific_ids"
)

// RecipientGroup is the decoded form of a campaign's recipient_group column.
// IDs is only meaningful for GroupSpecificIDs.
type RecipientGroup struct {
	Kind RecipientGroupKind
	IDs  []int
}

func AllContacts() RecipientGroup {
	return RecipientGroup{Kind: GroupAllContacts}
}

func SpecificIDs(ids ...int) RecipientGroup {
	return RecipientGroup{Kind: GroupSpecificIDs, IDs: ids}
}

// DecodeRecipientGroup parses a stored descriptor. Every failure is reported
// as *appErrors.ErrMalformedRecipientGroup.
func DecodeRecipientGroup(raw []byte) (RecipientGroup, error) {
	var g RecipientGroup
	if len(bytes.TrimSpace(raw)) == 0 {
		return g, appErrors.NewMalformedRecipientGroup("descriptor is empty")
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		var malformed *appErrors.ErrMalformedRecipientGroup
		if errors.As(err, &malformed) {
			return RecipientGroup{}, err
		}
		return RecipientGroup{}, appErrors.NewMalformedRecipientGroup("invalid JSON: %v", err)
	}
	return g, nil
}

func (g *RecipientGroup) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return appErrors.NewMalformedRecipientGroup("descriptor is null")
	}

	// legacy form: the bare string "all_contacts"
	if data[0] == '"' {
		var kind string
		if err := json.Unmarshal(data, &kind); err != nil {
			return appErrors.NewMalformedRecipientGroup("invalid string descriptor: %v", err)
		}
		if RecipientGroupKind(kind) != GroupAllContacts {
			return appErrors.NewMalformedRecipientGroup("unsupported descriptor %q", kind)
		}
		*g = AllContacts()
		return nil
	}

	if data[0] != '{' {
		return appErrors.NewMalformedRecipientGroup("descriptor must be an object")
	}

	var raw struct {
		Type *string         `json:"type"`
		IDs  json.RawMessage `json:"ids"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return appErrors.NewMalformedRecipientGroup("invalid descriptor: %v", err)
	}
	if raw.Type == nil {
		return appErrors.NewMalformedRecipientGroup("missing type")
	}

	switch kind := RecipientGroupKind(*raw.Type); kind {
	case GroupAllContacts:
		*g = AllContacts()
		return nil
	case GroupSpecificIDs:
		ids, err := decodeIDs(raw.IDs)
		if err != nil {
			return err
		}
		*g = SpecificIDs(ids...)
		return nil
	default:
		return appErrors.NewMalformedRecipientGroup("unknown type %q", kind)
	}
}

// decodeIDs treats an absent ids key as an empty list; anything present must
// be a JSON array of integers.
func decodeIDs(raw json.RawMessage) ([]int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []int{}, nil
	}
	if raw[0] != '[' {
		return nil, appErrors.NewMalformedRecipientGroup("ids must be a list")
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, appErrors.NewMalformedRecipientGroup("ids must be a list of integers")
	}
	return ids, nil
}

func (g RecipientGroup) MarshalJSON() ([]byte, error) {
	if g.Kind == GroupSpecificIDs {
		ids := g.IDs
		if ids == nil {
			ids = []int{}
		}
		return json.Marshal(struct {
			Type RecipientGroupKind `json:"type"`
			IDs  []int              `json:"ids"`
		}{g.Kind, ids})
	}
	return json.Marshal(struct {
		Type RecipientGroupKind `json:"type"`
	}{g.Kind})
}
