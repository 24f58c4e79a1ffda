package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"delta-hedge-bot/internal/alerts"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey   = "telegram:operator:last_update_id"
	operatorAuditPrefix = "ops:audit:"
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	Instrument   string    `json:"instrument,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.operator == nil {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.operator.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := a.handleOperatorCommand(ctx, cmd, meta)
	if err := a.operator.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand accepts "/cmd" and "/cmd@botname" forms.
func parseOperatorCommand(text string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd), cmd != ""
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "pause", "resume":
		before := a.isPaused()
		after := a.setPaused(cmd == "pause")
		a.auditOperatorEvent(ctx, meta, operatorAuditEvent{Action: cmd, PausedBefore: before, PausedAfter: after})
		switch {
		case cmd == "pause" && before:
			return "new opens already paused"
		case cmd == "pause":
			return "new opens paused; held pairs and closes continue"
		case !before:
			return "trading already active"
		default:
			return "trading resumed"
		}
	case "close":
		held := a.currentHeld()
		if held == nil || !a.requestClose() {
			return "no hedge pair held"
		}
		a.auditOperatorEvent(ctx, meta, operatorAuditEvent{
			Action:       "close",
			PausedBefore: a.isPaused(),
			PausedAfter:  a.isPaused(),
			Instrument:   held.opp.Instrument,
		})
		return fmt.Sprintf("close requested for %s", held.opp.Instrument)
	default:
		return operatorHelpText()
	}
}

func (a *App) operatorStatus() string {
	snap := a.snapshot()
	lines := []string{
		fmt.Sprintf("state: %s", snap.State),
		fmt.Sprintf("paused: %t", a.isPaused()),
	}
	if snap.Instrument == "" {
		return strings.Join(append(lines, "position: flat"), "\n")
	}
	return strings.Join(append(lines,
		fmt.Sprintf("instrument: %s", snap.Instrument),
		fmt.Sprintf("primary: %s %.6f on %s", snap.PrimarySide, snap.PrimarySize, a.primary.Name()),
		fmt.Sprintf("hedge: %.6f on %s", snap.HedgeSize, a.hedge.Name()),
		fmt.Sprintf("notional_usd: %.2f", snap.NotionalUSD),
		fmt.Sprintf("entry_apy: %.2f%%", snap.EntryAPY*100),
		fmt.Sprintf("opened_at: %s", time.UnixMilli(snap.OpenedAtMS).UTC().Format(time.RFC3339)),
		fmt.Sprintf("hold_until: %s", time.UnixMilli(snap.HoldUntilMS).UTC().Format(time.RFC3339)),
	), "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current cycle and held pair",
		"/pause - stop opening new pairs",
		"/resume - allow new pairs again",
		"/close - unwind the held pair now",
	}, "\n")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, meta operatorMeta, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	event.UpdateID = meta.UpdateID
	event.Time = a.clock.Now().UTC()
	event.Command = meta.Raw
	event.UserID = meta.UserID
	event.Username = meta.Username
	event.ChatID = meta.ChatID
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%d:%d", operatorAuditPrefix, event.Time.UnixNano(), event.UpdateID)
	_ = a.store.Set(ctx, key, string(payload))
}
