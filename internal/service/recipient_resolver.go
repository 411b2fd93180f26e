package service

import (
	"context"
	"fmt"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// RecipientResolver turns a campaign's recipient group into the owner's
// mailable contacts, ordered by id and free of duplicates.
type RecipientResolver struct {
	Contacts repository.ContactRepositoryInterface
}

// Resolve fails with *appErrors.ErrMalformedRecipientGroup for a bad
// descriptor and with appErrors.ErrNoRecipients when nothing matches.
func (r *RecipientResolver) Resolve(ctx context.Context, campaign *model.Campaign) ([]model.Contact, error) {
	group, err := model.DecodeRecipientGroup(campaign.RecipientGroup)
	if err != nil {
		return nil, err
	}

	var contacts []model.Contact
	switch group.Kind {
	case model.GroupAllContacts:
		contacts, err = r.Contacts.ListMailable(ctx, campaign.OwnerID)
	case model.GroupSpecificIDs:
		contacts, err = r.Contacts.ListMailableByIDs(ctx, campaign.OwnerID, uniqueIDs(group.IDs))
	default:
		return nil, appErrors.NewMalformedRecipientGroup("unknown type %q", group.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	contacts = uniqueContacts(contacts)
	if len(contacts) == 0 {
		return nil, fmt.Errorf("campaign %d: %w", campaign.ID, appErrors.ErrNoRecipients)
	}
	return contacts, nil
}

func uniqueIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func uniqueContacts(contacts []model.Contact) []model.Contact {
	seen := make(map[int]struct{}, len(contacts))
	out := contacts[:0]
	for _, c := range contacts {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
