package campaign

// transitions is the campaign state machine. The dispatch engine is the only
// actor that moves a campaign out of "sending".
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSending, StatusScheduled},
	StatusScheduled: {StatusSending, StatusCancelled},
	StatusSending:   {StatusSent, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// finalStatus classifies a completed (non-cancelled) run: sent when anything
// got through or there was nobody to send to, failed only when every
// attempted recipient failed.
func finalStatus(successful, total int) Status {
	if successful > 0 || total == 0 {
		return StatusSent
	}
	return StatusFailed
}
