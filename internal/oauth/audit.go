package oauth

import (
	"onemcp/pkg/logging"
)

// audit emits one structured audit line per security-relevant event.
// Session ids are truncated and bearer tokens never appear here.
func audit(event, sessionID, clientID, detail string) {
	switch {
	case sessionID != "" && clientID != "":
		logging.Info("OAuthAudit", "%s session=%s client=%s: %s",
			event, logging.TruncateSessionID(sessionID), clientID, detail)
	case clientID != "":
		logging.Info("OAuthAudit", "%s client=%s: %s", event, clientID, detail)
	case sessionID != "":
		logging.Info("OAuthAudit", "%s session=%s: %s",
			event, logging.TruncateSessionID(sessionID), detail)
	default:
		logging.Info("OAuthAudit", "%s: %s", event, detail)
	}
}
