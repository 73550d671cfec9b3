package driver

import "strings"

// Actions understood by the built-in communicators.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionSend       = "send"
	ActionRead       = "read"
	ActionQuery      = "query"
	ActionStatus     = "status"
	ActionWait       = "wait"
	ActionStart      = "start"
)

// ActionFetchData is intercepted by the dispatcher and never reaches a driver.
const ActionFetchData = "FetchData"

// IsFetchData reports whether action selects the buffered-data drain.
func IsFetchData(action string) bool {
	return strings.EqualFold(strings.TrimSpace(action), ActionFetchData)
}

// StartsSession reports whether action begins a new device session, after
// which previously pushed bytes are stale.
func StartsSession(action string) bool {
	a := strings.TrimSpace(action)
	return strings.EqualFold(a, ActionStart) || strings.EqualFold(a, ActionConnect)
}

// NormalizeAction lower-cases and trims an action name.
func NormalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
