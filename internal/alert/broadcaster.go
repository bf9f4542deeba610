package alert

import (
	"context"
	"fmt"
	"time"

	"dcaengine/internal/core"
)

// Broadcaster adapts AlertManager's fire-and-forget channel fan-out into the
// core.Broadcaster interface (spec §6). SaveMessageID is the only call that
// returns an error, since it is the one broadcaster method whose result the
// caller persists (PositionGroup.TelegramMessageID).
type Broadcaster struct {
	manager    *AlertManager
	messageIDs core.PositionGroupRepository
}

func NewBroadcaster(manager *AlertManager, repo core.PositionGroupRepository) *Broadcaster {
	return &Broadcaster{manager: manager, messageIDs: repo}
}

func groupFields(g *core.PositionGroup) map[string]string {
	return map[string]string{
		"symbol":     g.Symbol,
		"exchange":   g.Exchange,
		"timeframe":  g.Timeframe,
		"side":       string(g.Side),
		"group_id":   g.ID.String(),
		"pyramid":    fmt.Sprintf("%d", g.PyramidCount),
		"avg_entry":  g.WeightedAvgEntry.String(),
		"invested":   g.TotalInvestedUSD.String(),
	}
}

func (b *Broadcaster) SendEntrySignal(ctx context.Context, g *core.PositionGroup) string {
	b.manager.Alert(ctx, "Entry signal accepted", fmt.Sprintf("%s %s opened on %s", g.Symbol, g.Side, g.Exchange), Info, groupFields(g))
	return fmt.Sprintf("alert-%s-%d", g.ID, time.Now().UnixNano())
}

func (b *Broadcaster) SendExitSignal(ctx context.Context, g *core.PositionGroup) {
	b.manager.Alert(ctx, "Exit signal received", fmt.Sprintf("%s exit requested", g.Symbol), Warning, groupFields(g))
}

func (b *Broadcaster) SendDCAFill(ctx context.Context, g *core.PositionGroup, o *core.DCAOrder) {
	f := groupFields(g)
	f["leg_index"] = fmt.Sprintf("%d", o.LegIndex)
	f["fill_price"] = o.AvgFillPrice.String()
	f["fill_qty"] = o.FilledQuantity.String()
	b.manager.Alert(ctx, "DCA leg filled", fmt.Sprintf("%s leg %d filled at %s", g.Symbol, o.LegIndex, o.AvgFillPrice), Info, f)
}

func (b *Broadcaster) SendStatusChange(ctx context.Context, g *core.PositionGroup, from, to core.PositionStatus) {
	f := groupFields(g)
	f["from"] = string(from)
	f["to"] = string(to)
	b.manager.Alert(ctx, "Position status changed", fmt.Sprintf("%s %s -> %s", g.Symbol, from, to), Info, f)
}

func (b *Broadcaster) SendTPHit(ctx context.Context, g *core.PositionGroup, o *core.DCAOrder) {
	f := groupFields(g)
	f["leg_index"] = fmt.Sprintf("%d", o.LegIndex)
	f["realized_pnl"] = g.RealizedPnLUSD.String()
	b.manager.Alert(ctx, "Take profit hit", fmt.Sprintf("%s take profit filled, realized pnl %s", g.Symbol, g.RealizedPnLUSD), Info, f)
}

func (b *Broadcaster) SendRiskEvent(ctx context.Context, a *core.RiskAction) {
	f := map[string]string{
		"action_type":    string(a.ActionType),
		"loser_group_id": a.LoserGroupID.String(),
		"loser_symbol":   a.LoserSymbol,
		"loser_pnl_usd":  a.LoserPnLUSD.String(),
		"winners":        fmt.Sprintf("%d", len(a.Winners)),
	}
	b.manager.Alert(ctx, "Risk engine intervention", a.Notes, Warning, f)
}

func (b *Broadcaster) SendFailure(ctx context.Context, component string, err error) {
	b.manager.Alert(ctx, "Component failure", err.Error(), Error, map[string]string{"component": component})
}

func (b *Broadcaster) SendPyramidAdded(ctx context.Context, g *core.PositionGroup, p *core.Pyramid) {
	f := groupFields(g)
	f["pyramid_index"] = fmt.Sprintf("%d", p.PyramidIndex)
	f["entry_price"] = p.EntryPrice.String()
	b.manager.Alert(ctx, "Pyramid added", fmt.Sprintf("%s pyramid %d opened at %s", g.Symbol, p.PyramidIndex, p.EntryPrice), Info, f)
}

func (b *Broadcaster) SaveMessageID(ctx context.Context, g *core.PositionGroup, messageID string) error {
	g.TelegramMessageID = messageID
	return b.messageIDs.Update(ctx, g)
}
