package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
)

// PositionGroupRepository is an in-memory core.PositionGroupRepository.
type PositionGroupRepository struct {
	mu     sync.Mutex
	groups map[uuid.UUID]*core.PositionGroup
}

func NewPositionGroupRepository() *PositionGroupRepository {
	return &PositionGroupRepository{groups: make(map[uuid.UUID]*core.PositionGroup)}
}

func (r *PositionGroupRepository) Get(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, fmt.Errorf("mock: position group %s not found", id)
	}
	cp := *g
	return &cp, nil
}

func (r *PositionGroupRepository) GetWithOrders(ctx context.Context, id uuid.UUID) (*core.PositionGroup, error) {
	return r.Get(ctx, id)
}

func (r *PositionGroupRepository) Create(ctx context.Context, g *core.PositionGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	r.groups[g.ID] = g
	return nil
}

func (r *PositionGroupRepository) Update(ctx context.Context, g *core.PositionGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; !ok {
		return fmt.Errorf("mock: position group %s not found", g.ID)
	}
	r.groups[g.ID] = g
	return nil
}

func (r *PositionGroupRepository) GetAllActiveByUser(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	return r.filterByUser(userID, true)
}

func (r *PositionGroupRepository) GetActivePositionGroupsForUser(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	return r.filterByUser(userID, true)
}

func (r *PositionGroupRepository) GetClosedByUserAll(ctx context.Context, userID uuid.UUID) ([]*core.PositionGroup, error) {
	return r.filterByUser(userID, false)
}

func (r *PositionGroupRepository) filterByUser(userID uuid.UUID, active bool) ([]*core.PositionGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.PositionGroup
	for _, g := range r.groups {
		if g.UserID != userID {
			continue
		}
		isClosed := g.Status == core.PositionClosed
		if active && !isClosed {
			out = append(out, g)
		} else if !active && isClosed {
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *PositionGroupRepository) IncrementPyramidCount(ctx context.Context, groupID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return 0, fmt.Errorf("mock: position group %s not found", groupID)
	}
	g.PyramidCount++
	return g.PyramidCount, nil
}

// PyramidRepository is an in-memory core.PyramidRepository.
type PyramidRepository struct {
	mu       sync.Mutex
	pyramids map[uuid.UUID]*core.Pyramid
}

func NewPyramidRepository() *PyramidRepository {
	return &PyramidRepository{pyramids: make(map[uuid.UUID]*core.Pyramid)}
}

func (r *PyramidRepository) Get(ctx context.Context, id uuid.UUID) (*core.Pyramid, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pyramids[id]
	if !ok {
		return nil, fmt.Errorf("mock: pyramid %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (r *PyramidRepository) Create(ctx context.Context, p *core.Pyramid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.pyramids[p.ID] = p
	return nil
}

func (r *PyramidRepository) Update(ctx context.Context, p *core.Pyramid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pyramids[p.ID]; !ok {
		return fmt.Errorf("mock: pyramid %s not found", p.ID)
	}
	r.pyramids[p.ID] = p
	return nil
}

// DCAOrderRepository is an in-memory core.DCAOrderRepository.
type DCAOrderRepository struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*core.DCAOrder
}

func NewDCAOrderRepository() *DCAOrderRepository {
	return &DCAOrderRepository{orders: make(map[uuid.UUID]*core.DCAOrder)}
}

func (r *DCAOrderRepository) Get(ctx context.Context, id uuid.UUID) (*core.DCAOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("mock: order %s not found", id)
	}
	cp := *o
	return &cp, nil
}

func (r *DCAOrderRepository) Create(ctx context.Context, o *core.DCAOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	r.orders[o.ID] = o
	return nil
}

func (r *DCAOrderRepository) Update(ctx context.Context, o *core.DCAOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; !ok {
		return fmt.Errorf("mock: order %s not found", o.ID)
	}
	r.orders[o.ID] = o
	return nil
}

func (r *DCAOrderRepository) GetAllOrdersByGroupID(ctx context.Context, groupID uuid.UUID) ([]*core.DCAOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.DCAOrder
	for _, o := range r.orders {
		if o.GroupID == groupID {
			out = append(out, o)
		}
	}
	return out, nil
}

// terminalOrderStatuses are DCAOrder statuses GetAllOpenOrdersForAllUsers
// excludes. An order carries no user ID, so the result is keyed by group ID;
// the fill monitor loads each group and filters on its UserID.
var terminalOrderStatuses = map[core.DCAOrderStatus]bool{
	core.DCAOrderFilled:    true,
	core.DCAOrderCancelled: true,
	core.DCAOrderFailed:    true,
}

func (r *DCAOrderRepository) GetAllOpenOrdersForAllUsers(ctx context.Context) (map[uuid.UUID][]*core.DCAOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID][]*core.DCAOrder)
	for _, o := range r.orders {
		if terminalOrderStatuses[o.Status] {
			continue
		}
		out[o.GroupID] = append(out[o.GroupID], o)
	}
	return out, nil
}

// QueuedSignalRepository is an in-memory core.QueuedSignalRepository.
type QueuedSignalRepository struct {
	mu      sync.Mutex
	signals map[uuid.UUID]*core.QueuedSignal
}

func NewQueuedSignalRepository() *QueuedSignalRepository {
	return &QueuedSignalRepository{signals: make(map[uuid.UUID]*core.QueuedSignal)}
}

func (r *QueuedSignalRepository) Get(ctx context.Context, id uuid.UUID) (*core.QueuedSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return nil, fmt.Errorf("mock: queued signal %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (r *QueuedSignalRepository) Create(ctx context.Context, s *core.QueuedSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	r.signals[s.ID] = s
	return nil
}

func (r *QueuedSignalRepository) Update(ctx context.Context, s *core.QueuedSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.signals[s.ID]; !ok {
		return fmt.Errorf("mock: queued signal %s not found", s.ID)
	}
	r.signals[s.ID] = s
	return nil
}

func (r *QueuedSignalRepository) GetAllActiveByUser(ctx context.Context, userID uuid.UUID) ([]*core.QueuedSignal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.QueuedSignal
	for _, s := range r.signals {
		if s.UserID == userID && s.Status == core.SignalQueued {
			out = append(out, s)
		}
	}
	return out, nil
}

// RiskActionRepository is an in-memory core.RiskActionRepository.
type RiskActionRepository struct {
	mu      sync.Mutex
	actions []*core.RiskAction
	pnlByUser map[uuid.UUID]decimal.Decimal
}

func NewRiskActionRepository() *RiskActionRepository {
	return &RiskActionRepository{pnlByUser: make(map[uuid.UUID]decimal.Decimal)}
}

func (r *RiskActionRepository) Create(ctx context.Context, a *core.RiskAction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	r.actions = append(r.actions, a)
	return nil
}

// SetDailyRealizedPnL lets tests seed the accumulator GetDailyRealizedPnL reads.
func (r *RiskActionRepository) SetDailyRealizedPnL(userID uuid.UUID, pnl decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pnlByUser[userID] = pnl
}

func (r *RiskActionRepository) GetDailyRealizedPnL(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pnlByUser[userID], nil
}

func (r *RiskActionRepository) All() []*core.RiskAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]*core.RiskAction, len(r.actions))
	copy(cp, r.actions)
	return cp
}
