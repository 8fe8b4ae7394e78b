package campaign

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"campaignd/internal/gateway"
	logx "campaignd/pkg/logx"
)

// memStore mirrors the sqlite store's semantics in memory.
type memStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
	records   map[string]map[int64]DeliveryRecord
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[string]*Campaign{},
		records:   map[string]map[int64]DeliveryRecord{},
	}
}

func (m *memStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *memStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListCampaigns(ctx context.Context, ownerID int64, status *Status, page Page) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Campaign
	for _, c := range m.campaigns {
		if c.OwnerID != ownerID {
			continue
		}
		if status != nil && c.Status != *status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if page.Offset >= len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (m *memStore) ListDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, c := range m.campaigns {
		if c.Status == StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			ids = append(ids, c.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) CASStatus(ctx context.Context, id string, from []Status, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			if to.Terminal() {
				now := time.Now().UTC()
				c.SentAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) FreezeAudience(ctx context.Context, id string, recipients []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok && c.TotalRecipients == 0 {
		c.Recipients = append([]int64(nil), recipients...)
		c.TotalRecipients = len(recipients)
	}
	return nil
}

func (m *memStore) RecordOutcome(ctx context.Context, rec DeliveryRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[rec.CampaignID]
	if recs == nil {
		recs = map[int64]DeliveryRecord{}
		m.records[rec.CampaignID] = recs
	}
	if _, dup := recs[rec.RecipientID]; dup {
		return false, nil
	}
	recs[rec.RecipientID] = rec
	if c, ok := m.campaigns[rec.CampaignID]; ok {
		if rec.Outcome == OutcomeSuccess {
			c.SuccessfulSends++
		} else {
			c.FailedSends++
		}
	}
	return true, nil
}

func (m *memStore) TerminalRecipients(ctx context.Context, campaignID string) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64]struct{}{}
	for id := range m.records[campaignID] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (m *memStore) ListDeliveryRecords(ctx context.Context, campaignID string, page Page) ([]DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryRecord
	for _, r := range m.records[campaignID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	if page.Offset >= len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (m *memStore) FinishCampaign(ctx context.Context, id string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok && c.Status == StatusSending {
		c.Status = status
		t := at
		c.SentAt = &t
	}
	return nil
}

func (m *memStore) recordCount(campaignID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[campaignID])
}

// memDirectory is a static subscriber directory keyed by bot.
type memDirectory struct {
	mu     sync.Mutex
	active map[int64][]int64 // bot -> chat ids, insertion order
	err    error
}

func newMemDirectory(botID int64, chats ...int64) *memDirectory {
	return &memDirectory{active: map[int64][]int64{botID: chats}}
}

func (d *memDirectory) ListActive(ctx context.Context, botID int64, f AudienceFilter) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]int64(nil), d.active[botID]...), nil
}

func (d *memDirectory) Exists(ctx context.Context, botID, chatID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	for _, id := range d.active[botID] {
		if id == chatID {
			return true, nil
		}
	}
	return false, nil
}

func (d *memDirectory) fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *memDirectory) add(botID int64, chats ...int64) {
	d.mu.Lock()
	d.active[botID] = append(d.active[botID], chats...)
	d.mu.Unlock()
}

// memIdentity owns bots via a fixed (owner, bot) set.
type memIdentity map[[2]int64]bool

func (m memIdentity) Owns(ctx context.Context, ownerID, botID int64) (bool, error) {
	return m[[2]int64{ownerID, botID}], nil
}

// scriptedGateway returns a queue of results per recipient and records calls.
type scriptedGateway struct {
	mu      sync.Mutex
	scripts map[int64][]gateway.Result
	deflt   gateway.Result
	calls   []int64
	onCall  func(n int, chatID int64)
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		scripts: map[int64][]gateway.Result{},
		deflt:   gateway.Success(),
	}
}

func (g *scriptedGateway) script(chatID int64, results ...gateway.Result) {
	g.mu.Lock()
	g.scripts[chatID] = results
	g.mu.Unlock()
}

func (g *scriptedGateway) Deliver(ctx context.Context, chatID int64, body string, opt *gateway.MessageOptions) gateway.Result {
	g.mu.Lock()
	g.calls = append(g.calls, chatID)
	n := len(g.calls)
	res := g.deflt
	if q := g.scripts[chatID]; len(q) > 0 {
		res = q[0]
		g.scripts[chatID] = q[1:]
	}
	hook := g.onCall
	g.mu.Unlock()
	if hook != nil {
		hook(n, chatID)
	}
	return res
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGateway) callsFor(chatID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, id := range g.calls {
		if id == chatID {
			n++
		}
	}
	return n
}

var errDirectoryDown = errors.New("directory unreachable")

const (
	testOwner int64 = 7
	testBot   int64 = 42
)

// newTestService wires a service over the in-memory fakes with a fast retry
// schedule.
func newTestService(store *memStore, dir *memDirectory, gw *scriptedGateway) *Service {
	return newTestServiceIdent(store, dir, gw, memIdentity{{testOwner, testBot}: true})
}

func newTestServiceIdent(store *memStore, dir *memDirectory, gw *scriptedGateway, ident memIdentity) *Service {
	cfg := Config{
		Workers:       2,
		RatePerSec:    10000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
	return New(cfg, Pricing{}, store, dir, ident, gw, logx.Nop())
}

func explicitSpec(ids ...int64) TargetSpec {
	return TargetSpec{Kind: TargetExplicit, BotID: testBot, ChatIDs: ids}
}
