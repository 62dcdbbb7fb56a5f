package domain

// Push-channel names. The redis signal bus carries these to the websocket hub,
// which routes them to clients joined to the matching room.
const (
	ChannelRateUpdated = "rate-updated"

	ChannelCloseProgress = "position:close:progress"
	ChannelCloseSuccess  = "position:close:success"
	ChannelCloseFailed   = "position:close:failed"
	ChannelClosePartial  = "position:close:partial"

	ChannelBatchProgress         = "batch:close:progress"
	ChannelBatchPositionComplete = "batch:close:position:complete"
	ChannelBatchComplete         = "batch:close:complete"
	ChannelBatchFailed           = "batch:close:failed"

	ChannelExitSuggested = "exitSuggested"
	ChannelExitCanceled  = "exitCanceled"
)

// PositionRoom is the hub room scoping per-position close events.
func PositionRoom(positionID string) string { return "position:" + positionID }

// GroupRoom is the hub room scoping batch-close events for one group.
func GroupRoom(groupID string) string { return "group:" + groupID }
