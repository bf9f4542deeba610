package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"dcaengine/internal/core"
)

// Broadcaster is a recording core.Broadcaster. Tests assert against its
// call slices instead of a live Telegram/Slack channel.
type Broadcaster struct {
	mu sync.Mutex

	EntrySignals  []*core.PositionGroup
	ExitSignals   []*core.PositionGroup
	DCAFills      []*core.DCAOrder
	StatusChanges []StatusChange
	TPHits        []*core.DCAOrder
	RiskEvents    []*core.RiskAction
	Failures      []FailureCall
	PyramidsAdded []*core.Pyramid

	saveMessageIDErr error
	nextMessageID    int
}

type StatusChange struct {
	GroupID uuid.UUID
	From    core.PositionStatus
	To      core.PositionStatus
}

type FailureCall struct {
	Component string
	Err       error
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

func (b *Broadcaster) FailNextSaveMessageID(err error) { b.saveMessageIDErr = err }

func (b *Broadcaster) SendEntrySignal(ctx context.Context, g *core.PositionGroup) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.EntrySignals = append(b.EntrySignals, g)
	b.nextMessageID++
	return fmt.Sprintf("mock-msg-%d", b.nextMessageID)
}

func (b *Broadcaster) SendExitSignal(ctx context.Context, g *core.PositionGroup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ExitSignals = append(b.ExitSignals, g)
}

func (b *Broadcaster) SendDCAFill(ctx context.Context, g *core.PositionGroup, o *core.DCAOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DCAFills = append(b.DCAFills, o)
}

func (b *Broadcaster) SendStatusChange(ctx context.Context, g *core.PositionGroup, from, to core.PositionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StatusChanges = append(b.StatusChanges, StatusChange{GroupID: g.ID, From: from, To: to})
}

func (b *Broadcaster) SendTPHit(ctx context.Context, g *core.PositionGroup, o *core.DCAOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.TPHits = append(b.TPHits, o)
}

func (b *Broadcaster) SendRiskEvent(ctx context.Context, a *core.RiskAction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RiskEvents = append(b.RiskEvents, a)
}

func (b *Broadcaster) SendFailure(ctx context.Context, component string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Failures = append(b.Failures, FailureCall{Component: component, Err: err})
}

func (b *Broadcaster) SendPyramidAdded(ctx context.Context, g *core.PositionGroup, p *core.Pyramid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PyramidsAdded = append(b.PyramidsAdded, p)
}

func (b *Broadcaster) SaveMessageID(ctx context.Context, g *core.PositionGroup, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveMessageIDErr != nil {
		err := b.saveMessageIDErr
		b.saveMessageIDErr = nil
		return err
	}
	g.TelegramMessageID = messageID
	return nil
}
