// Package memstore is an in-memory implementation of every store the engine
// consumes. It mirrors the SQLite adapter's semantics, including the guarded
// escalation claim, and is meant for tests and single-process experiments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"escalator/internal/domain"
)

type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	rules      map[string]domain.Rule
	items      map[string]domain.Item
	workspaces map[string]domain.Workspace
	members    map[string][]domain.Member
	states     map[stateKey]domain.EscalationState
	activity   []domain.ActivityEntry
	events     []domain.Event

	// FailNext, when set, is consulted before each mutating call; a non-nil
	// return is handed back to the caller instead of performing the write.
	FailNext func(op string) error
}

type stateKey struct{ item, rule string }

func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:        now,
		rules:      map[string]domain.Rule{},
		items:      map[string]domain.Item{},
		workspaces: map[string]domain.Workspace{},
		members:    map[string][]domain.Member{},
		states:     map[stateKey]domain.EscalationState{},
	}
}

func (s *Store) fail(op string) error {
	if s.FailNext == nil {
		return nil
	}
	return s.FailNext(op)
}

// Rules

func (s *Store) CreateRule(_ context.Context, r domain.Rule) (domain.Rule, error) {
	if err := r.Validate(); err != nil {
		return domain.Rule{}, err
	}
	return s.PutRule(r), nil
}

// PutRule stores r without validation, so tests can seed misconfigured rules.
func (s *Store) PutRule(r domain.Rule) domain.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.rules[r.ID] = r
	return r
}

func (s *Store) GetRule(_ context.Context, id string) (domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRules(_ context.Context, f domain.RuleFilter) ([]domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Rule
	for _, r := range s.rules {
		if f.WorkspaceID != "" && r.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.ItemType != "" && r.ItemType != f.ItemType {
			continue
		}
		if f.ActiveOnly && !r.IsActive {
			continue
		}
		if f.TimerOnly && !r.Timer() {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) UpdateRule(_ context.Context, id string, patch domain.RulePatch) (domain.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[id]
	if !ok {
		return domain.Rule{}, domain.ErrNotFound
	}
	next, err := patch.Apply(cur)
	if err != nil {
		return domain.Rule{}, err
	}
	next.UpdatedAt = s.now().UTC()
	s.rules[id] = next
	return next, nil
}

func (s *Store) SetRuleActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.IsActive = active
	r.UpdatedAt = s.now().UTC()
	s.rules[id] = r
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.rules, id)
	for k := range s.states {
		if k.rule == id {
			delete(s.states, k)
		}
	}
	return nil
}

// Items

func (s *Store) CreateItem(_ context.Context, it domain.Item) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = s.now().UTC()
	}
	if it.StatusChangedAt.IsZero() {
		it.StatusChangedAt = it.CreatedAt
	}
	it.Status = domain.NormalizeStatus(it.Status)
	it.Tags = uniqueSorted(it.Tags)
	it.Assignees = append([]string(nil), it.Assignees...)
	s.items[it.ID] = it
	return cloneItem(it), nil
}

func (s *Store) GetItem(_ context.Context, id string) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return cloneItem(it), nil
}

func (s *Store) ListOpenItems(_ context.Context, q domain.ItemQuery) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := map[string]bool{}
	for _, st := range q.ExcludeStatuses {
		closed[domain.NormalizeStatus(st)] = true
	}
	var out []domain.Item
	for _, it := range s.items {
		if it.WorkspaceID != q.WorkspaceID || it.Type != q.Type || closed[it.Status] {
			continue
		}
		out = append(out, cloneItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetItemStatus(_ context.Context, id, status string, at time.Time) error {
	if err := s.fail("set item status"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	it.Status = domain.NormalizeStatus(status)
	it.StatusChangedAt = at.UTC()
	s.items[id] = it
	return nil
}

func (s *Store) SetItemPriority(_ context.Context, id, priority string) error {
	if err := s.fail("set item priority"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	it.Priority = priority
	s.items[id] = it
	return nil
}

func (s *Store) AddItemTag(_ context.Context, id, tag string) (bool, error) {
	if err := s.fail("add item tag"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if it.HasTag(tag) {
		return false, nil
	}
	it.Tags = uniqueSorted(append(it.Tags, tag))
	s.items[id] = it
	return true, nil
}

func (s *Store) ReassignItem(_ context.Context, id, workspaceID string, assignees []string) error {
	if err := s.fail("reassign item"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	it.WorkspaceID = workspaceID
	it.Assignees = append([]string(nil), assignees...)
	s.items[id] = it
	return nil
}

func (s *Store) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.items, id)
	for k := range s.states {
		if k.item == id {
			delete(s.states, k)
		}
	}
	return nil
}

// Workspaces

func (s *Store) CreateWorkspace(_ context.Context, ws domain.Workspace) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.ID == "" {
		ws.ID = uuid.NewString()
	}
	if ws.Kind == "" {
		ws.Kind = domain.WorkspaceTeam
		if ws.ParentID == nil {
			ws.Kind = domain.WorkspaceRoot
		}
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now().UTC()
	}
	s.workspaces[ws.ID] = ws
	return ws, nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return domain.Workspace{}, domain.ErrNotFound
	}
	return ws, nil
}

func (s *Store) AddMember(_ context.Context, m domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.members[m.WorkspaceID] {
		if cur == m {
			return nil
		}
	}
	s.members[m.WorkspaceID] = append(s.members[m.WorkspaceID], m)
	return nil
}

func (s *Store) SetWorkspaceLead(_ context.Context, id, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return domain.ErrNotFound
	}
	if leadID == "" {
		ws.LeadID = nil
	} else {
		ws.LeadID = &leadID
	}
	s.workspaces[id] = ws
	return nil
}

func (s *Store) RemoveMember(_ context.Context, m domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.members[m.WorkspaceID]
	for i, existing := range cur {
		if existing == m {
			s.members[m.WorkspaceID] = append(cur[:i:i], cur[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *Store) ListMembers(_ context.Context, workspaceID string) ([]domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Member(nil), s.members[workspaceID]...), nil
}

func (s *Store) ActorsWithRoles(_ context.Context, workspaceID string, roles []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]bool{}
	for _, r := range roles {
		want[r] = true
	}
	var actors []string
	for _, m := range s.members[workspaceID] {
		if want[m.Role] {
			actors = append(actors, m.ActorID)
		}
	}
	return uniqueSorted(actors), nil
}

// Escalation states

func (s *Store) GetState(_ context.Context, itemID, ruleID string) (domain.EscalationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey{itemID, ruleID}]
	if !ok {
		return domain.EscalationState{}, domain.ErrNotFound
	}
	return st, nil
}

// ClaimState applies the same guard as the SQLite upsert under the store lock.
func (s *Store) ClaimState(_ context.Context, c domain.Claim) (*domain.EscalationState, bool, error) {
	if err := s.fail("claim state"); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey{c.ItemID, c.RuleID}
	cur, exists := s.states[key]
	var prev *domain.EscalationState
	if exists {
		p := cur
		prev = &p
		if cur.LastTriggeredAt != nil && !cur.LastTriggeredAt.Before(c.Now.Add(-c.Cooldown)) {
			return prev, false, nil
		}
		sameAnchor := cur.AnchorAt.Equal(c.AnchorAt)
		switch {
		case sameAnchor && cur.Level == c.Level-1 && cur.Status != domain.StateResolved:
		case !sameAnchor && c.Level == 1:
		default:
			return prev, false, nil
		}
	} else if c.Level != 1 {
		return nil, false, nil
	}
	now := c.Now.UTC()
	s.states[key] = domain.EscalationState{
		ItemID: c.ItemID, RuleID: c.RuleID, Status: domain.StatusForLevel(c.Level), Level: c.Level,
		LastTriggeredAt: &now, AnchorAt: c.AnchorAt.UTC(), UpdatedAt: now,
	}
	return prev, true, nil
}

func (s *Store) ReleaseState(_ context.Context, c domain.Claim, prev *domain.EscalationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey{c.ItemID, c.RuleID}
	cur, ok := s.states[key]
	if !ok || cur.Level != c.Level || !cur.AnchorAt.Equal(c.AnchorAt) {
		return nil
	}
	if prev == nil {
		delete(s.states, key)
		return nil
	}
	s.states[key] = *prev
	return nil
}

func (s *Store) ResolveStates(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for k, st := range s.states {
		if k.item == itemID && st.Status != domain.StateResolved {
			st.Status = domain.StateResolved
			st.UpdatedAt = now
			s.states[k] = st
		}
	}
	return nil
}

func (s *Store) ResetStates(_ context.Context, itemID, ruleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.states {
		if k.item == itemID && (ruleID == "" || k.rule == ruleID) {
			delete(s.states, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListStates(_ context.Context, itemID string) ([]domain.EscalationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EscalationState
	for k, st := range s.states {
		if k.item == itemID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (s *Store) ListOpenStates(_ context.Context, ruleID string) ([]domain.EscalationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EscalationState
	for k, st := range s.states {
		if k.rule == ruleID && st.Status != domain.StateResolved {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// Activity and journal

func (s *Store) AppendActivity(_ context.Context, e domain.ActivityEntry) (domain.ActivityEntry, error) {
	if err := s.fail("append activity"); err != nil {
		return domain.ActivityEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FiredAt.IsZero() {
		e.FiredAt = s.now().UTC()
	}
	s.activity = append(s.activity, e)
	return e, nil
}

// ListActivity returns entries newest first.
func (s *Store) ListActivity(_ context.Context, f domain.ActivityFilter) ([]domain.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ActivityEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		e := s.activity[i]
		if f.RuleID != "" && e.RuleID != f.RuleID {
			continue
		}
		if f.ItemID != "" && e.ItemID != f.ItemID {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Record(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seen := range s.events {
		if seen.ID == evt.ID {
			return domain.ErrDuplicateEvent
		}
	}
	s.events = append(s.events, evt)
	return nil
}

// Events returns the journaled events in arrival order.
func (s *Store) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func cloneItem(it domain.Item) domain.Item {
	it.Tags = append([]string(nil), it.Tags...)
	it.Assignees = append([]string(nil), it.Assignees...)
	if it.DueAt != nil {
		d := *it.DueAt
		it.DueAt = &d
	}
	return it
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
