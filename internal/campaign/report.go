package campaign

import (
	"context"
)

// Stats returns the aggregate view straight from the campaign's persisted
// counters; it never scans delivery records.
func (s *Service) Stats(ctx context.Context, id string) (CampaignStats, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return CampaignStats{}, err
	}
	st := CampaignStats{
		TotalRecipients: c.TotalRecipients,
		SuccessfulSends: c.SuccessfulSends,
		FailedSends:     c.FailedSends,
	}
	if c.TotalRecipients > 0 {
		st.DeliveryRate = float64(c.SuccessfulSends) / float64(c.TotalRecipients)
	}
	return st, nil
}

// Report returns the paginated per-recipient outcome list with error detail,
// restricted to the owning party.
func (s *Service) Report(ctx context.Context, id string, ownerID int64, page Page) ([]DeliveryRecord, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, ErrAccessDenied
	}
	return s.store.ListDeliveryRecords(ctx, id, page.withDefaults())
}
