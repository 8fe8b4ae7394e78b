package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/gateway"
	logx "campaignd/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "campaigns.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testCampaign(id string) *campaign.Campaign {
	return &campaign.Campaign{
		ID:          id,
		OwnerID:     7,
		Title:       "weekly digest",
		MessageBody: "hello",
		MessageOptions: &gateway.MessageOptions{
			ParseMode: "HTML",
			PhotoURL:  "https://example.com/cover.png",
		},
		Target: campaign.TargetSpec{
			Kind:    campaign.TargetExplicit,
			BotID:   42,
			ChatIDs: []int64{1, 2, 3},
		},
		Status:    campaign.StatusDraft,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestCampaignRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	want := testCampaign("c1")
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	want.ScheduledAt = &at
	want.Status = campaign.StatusScheduled

	if err := st.CreateCampaign(ctx, want); err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	got, err := st.GetCampaign(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Title != want.Title || got.MessageBody != want.MessageBody || got.Status != want.Status {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.MessageOptions == nil || got.MessageOptions.PhotoURL != want.MessageOptions.PhotoURL {
		t.Fatalf("message options lost: %+v", got.MessageOptions)
	}
	if got.Target.Kind != campaign.TargetExplicit || len(got.Target.ChatIDs) != 3 {
		t.Fatalf("target spec lost: %+v", got.Target)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, at)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
	}

	if _, err := st.GetCampaign(ctx, "nope"); !errors.Is(err, campaign.ErrNotFound) {
		t.Fatalf("missing campaign err = %v, want ErrNotFound", err)
	}
}

func TestCASStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateCampaign(ctx, testCampaign("c1")); err != nil {
		t.Fatal(err)
	}

	ok, err := st.CASStatus(ctx, "c1", []campaign.Status{campaign.StatusScheduled}, campaign.StatusSending)
	if err != nil {
		t.Fatalf("CASStatus: %v", err)
	}
	if ok {
		t.Fatal("CAS from scheduled succeeded on a draft")
	}

	ok, err = st.CASStatus(ctx, "c1",
		[]campaign.Status{campaign.StatusDraft, campaign.StatusScheduled, campaign.StatusSending},
		campaign.StatusSending)
	if err != nil || !ok {
		t.Fatalf("CAS draft->sending = %v, %v", ok, err)
	}
	got, _ := st.GetCampaign(ctx, "c1")
	if got.Status != campaign.StatusSending {
		t.Fatalf("status = %s, want sending", got.Status)
	}

	if ok, _ := st.CASStatus(ctx, "missing", []campaign.Status{campaign.StatusDraft}, campaign.StatusSending); ok {
		t.Fatal("CAS on missing campaign succeeded")
	}

	// A terminal CAS stamps sent_at like FinishCampaign does.
	ok, err = st.CASStatus(ctx, "c1", []campaign.Status{campaign.StatusSending}, campaign.StatusCancelled)
	if err != nil || !ok {
		t.Fatalf("CAS sending->cancelled = %v, %v", ok, err)
	}
	got, _ = st.GetCampaign(ctx, "c1")
	if got.SentAt == nil {
		t.Fatal("terminal CAS left sent_at unset")
	}
}

func TestFreezeAudienceFirstWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateCampaign(ctx, testCampaign("c1")); err != nil {
		t.Fatal(err)
	}

	if err := st.FreezeAudience(ctx, "c1", []int64{1, 2, 3, 4, 5}); err != nil {
		t.Fatalf("FreezeAudience: %v", err)
	}
	// The snapshot is frozen; a later resolution must not move it.
	if err := st.FreezeAudience(ctx, "c1", []int64{9}); err != nil {
		t.Fatalf("FreezeAudience: %v", err)
	}
	got, _ := st.GetCampaign(ctx, "c1")
	if got.TotalRecipients != 5 {
		t.Fatalf("total = %d, want 5", got.TotalRecipients)
	}
	if len(got.Recipients) != 5 || got.Recipients[0] != 1 || got.Recipients[4] != 5 {
		t.Fatalf("snapshot = %v, want [1 2 3 4 5]", got.Recipients)
	}
}

func TestRecordOutcomeIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateCampaign(ctx, testCampaign("c1")); err != nil {
		t.Fatal(err)
	}

	rec := campaign.DeliveryRecord{
		CampaignID:  "c1",
		RecipientID: 1,
		Outcome:     campaign.OutcomeSuccess,
		Attempts:    1,
		AttemptedAt: time.Now(),
	}
	inserted, err := st.RecordOutcome(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("first RecordOutcome = %v, %v", inserted, err)
	}
	inserted, err = st.RecordOutcome(ctx, rec)
	if err != nil {
		t.Fatalf("duplicate RecordOutcome: %v", err)
	}
	if inserted {
		t.Fatal("duplicate record reported as inserted")
	}

	fail := campaign.DeliveryRecord{
		CampaignID:  "c1",
		RecipientID: 2,
		Outcome:     campaign.OutcomePermanentFailure,
		ErrorDetail: "blocked by user",
		Attempts:    1,
		AttemptedAt: time.Now(),
	}
	if _, err := st.RecordOutcome(ctx, fail); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	got, _ := st.GetCampaign(ctx, "c1")
	if got.SuccessfulSends != 1 || got.FailedSends != 1 {
		t.Fatalf("counters = %d/%d, want 1/1 after dedup", got.SuccessfulSends, got.FailedSends)
	}

	set, err := st.TerminalRecipients(ctx, "c1")
	if err != nil {
		t.Fatalf("TerminalRecipients: %v", err)
	}
	if len(set) != 2 {
		t.Fatalf("terminal set = %v, want recipients 1 and 2", set)
	}

	recs, err := st.ListDeliveryRecords(ctx, "c1", campaign.Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListDeliveryRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	for _, r := range recs {
		if r.RecipientID == 2 && r.ErrorDetail != "blocked by user" {
			t.Fatalf("error detail lost: %+v", r)
		}
	}
}

func TestFinishCampaignOnlyFromSending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.CreateCampaign(ctx, testCampaign("c1")); err != nil {
		t.Fatal(err)
	}

	// Still a draft, so the finish guard must not fire.
	if err := st.FinishCampaign(ctx, "c1", campaign.StatusSent, time.Now()); err != nil {
		t.Fatalf("FinishCampaign: %v", err)
	}
	got, _ := st.GetCampaign(ctx, "c1")
	if got.Status != campaign.StatusDraft {
		t.Fatalf("status = %s, draft was finished", got.Status)
	}

	if ok, _ := st.CASStatus(ctx, "c1", []campaign.Status{campaign.StatusDraft}, campaign.StatusSending); !ok {
		t.Fatal("setup CAS failed")
	}
	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.FinishCampaign(ctx, "c1", campaign.StatusSent, at); err != nil {
		t.Fatalf("FinishCampaign: %v", err)
	}
	got, _ = st.GetCampaign(ctx, "c1")
	if got.Status != campaign.StatusSent {
		t.Fatalf("status = %s, want sent", got.Status)
	}
	if got.SentAt == nil || !got.SentAt.Equal(at) {
		t.Fatalf("sent_at = %v, want %v", got.SentAt, at)
	}
}

func TestListDueScheduled(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, status campaign.Status, at *time.Time) {
		c := testCampaign(id)
		c.Status = status
		c.ScheduledAt = at
		if err := st.CreateCampaign(ctx, c); err != nil {
			t.Fatalf("CreateCampaign %s: %v", id, err)
		}
	}
	past := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	mk("due-late", campaign.StatusScheduled, &past)
	mk("due-early", campaign.StatusScheduled, &earlier)
	mk("future", campaign.StatusScheduled, &future)
	mk("draft", campaign.StatusDraft, nil)

	ids, err := st.ListDueScheduled(ctx, now)
	if err != nil {
		t.Fatalf("ListDueScheduled: %v", err)
	}
	if len(ids) != 2 || ids[0] != "due-early" || ids[1] != "due-late" {
		t.Fatalf("due = %v, want [due-early due-late]", ids)
	}
}

func TestListCampaignsPaginationAndFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"a", "b", "c"} {
		c := testCampaign(id)
		c.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := st.CreateCampaign(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := st.CASStatus(ctx, "c", []campaign.Status{campaign.StatusDraft}, campaign.StatusSending); !ok {
		t.Fatal("setup CAS failed")
	}

	got, err := st.ListCampaigns(ctx, 7, nil, campaign.Page{Limit: 2})
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("first page = %v, want newest first [c b]", got)
	}

	draft := campaign.StatusDraft
	got, err = st.ListCampaigns(ctx, 7, &draft, campaign.Page{Limit: 10})
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("draft filter returned %d, want 2", len(got))
	}

	if got, _ := st.ListCampaigns(ctx, 99, nil, campaign.Page{Limit: 10}); len(got) != 0 {
		t.Fatalf("foreign owner saw %d campaigns", len(got))
	}
}

func TestDirectoryQueries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := st.UpsertBot(ctx, 42, 7, "digest_bot"); err != nil {
		t.Fatalf("UpsertBot: %v", err)
	}

	subs := []Subscriber{
		{BotID: 42, ChatID: 1, ChatType: "private", Active: true, LastSeen: now, JoinedAt: now.Add(-3 * time.Hour)},
		{BotID: 42, ChatID: 2, ChatType: "group", Active: true, LastSeen: now.Add(-48 * time.Hour), JoinedAt: now.Add(-2 * time.Hour)},
		{BotID: 42, ChatID: 3, ChatType: "private", Active: false, LastSeen: now, JoinedAt: now.Add(-time.Hour)},
		{BotID: 99, ChatID: 4, ChatType: "private", Active: true, LastSeen: now, JoinedAt: now},
	}
	for _, sub := range subs {
		if err := st.UpsertSubscriber(ctx, sub); err != nil {
			t.Fatalf("UpsertSubscriber: %v", err)
		}
	}

	ids, err := st.ListActive(ctx, 42, campaign.AudienceFilter{})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("active = %v, want [1 2] in join order", ids)
	}

	ids, err = st.ListActive(ctx, 42, campaign.AudienceFilter{ChatType: "group"})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("group filter = %v, want [2]", ids)
	}

	ids, err = st.ListActive(ctx, 42, campaign.AudienceFilter{ActiveWithin: 24 * time.Hour})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("recency filter = %v, want [1]", ids)
	}

	for _, tc := range []struct {
		bot, chat int64
		want      bool
	}{
		{42, 1, true},
		{42, 3, false}, // inactive
		{42, 8, false},
		{99, 4, true},
	} {
		ok, err := st.Exists(ctx, tc.bot, tc.chat)
		if err != nil {
			t.Fatalf("Exists(%d,%d): %v", tc.bot, tc.chat, err)
		}
		if ok != tc.want {
			t.Fatalf("Exists(%d,%d) = %v, want %v", tc.bot, tc.chat, ok, tc.want)
		}
	}

	for _, tc := range []struct {
		owner, bot int64
		want       bool
	}{
		{7, 42, true},
		{8, 42, false},
		{7, 99, false},
	} {
		ok, err := st.Owns(ctx, tc.owner, tc.bot)
		if err != nil {
			t.Fatalf("Owns(%d,%d): %v", tc.owner, tc.bot, err)
		}
		if ok != tc.want {
			t.Fatalf("Owns(%d,%d) = %v, want %v", tc.owner, tc.bot, ok, tc.want)
		}
	}

	// Re-upserting flips activity without duplicating the row.
	sub := subs[0]
	sub.Active = false
	if err := st.UpsertSubscriber(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscriber: %v", err)
	}
	ids, _ = st.ListActive(ctx, 42, campaign.AudienceFilter{})
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("active after unsubscribe = %v, want [2]", ids)
	}
}
