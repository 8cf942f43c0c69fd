package telemetry

// Extract converts a normalized raw record into a Session snapshot.
// Pure transform: no I/O, no side effects. Both Source strategies hand
// their records through here so downstream behavior never depends on
// which transport observed the session.
func Extract(raw Raw) Session {
	agentID := raw.AgentID
	if agentID == "" {
		agentID = "unknown"
	}

	model := raw.Model
	if model == "" {
		model = "unknown"
	}

	channel := raw.Channel
	if channel == "" {
		channel = "unknown"
	}

	return Session{
		SessionID:     raw.SessionID,
		Key:           raw.Key,
		AgentID:       agentID,
		Kind:          ParseKind(raw.Kind),
		Label:         raw.Label,
		Status:        InferStatus(raw),
		TotalTokens:   raw.TotalTokens,
		ContextTokens: raw.ContextTokens,
		Model:         model,
		UpdatedAt:     raw.UpdatedAt,
		LastMessageAt: raw.LastMessageAt,
		Channel:       channel,
	}
}

// InferStatus derives the run state from record fields alone. An explicit
// abort marker wins; a session whose most recent message was authored by
// the assistant is considered completed; anything else is still active.
func InferStatus(raw Raw) Status {
	if raw.Aborted {
		return StatusError
	}
	if raw.LastRole == "assistant" {
		return StatusCompleted
	}
	return StatusActive
}
