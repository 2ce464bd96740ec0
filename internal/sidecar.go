package internal

// Sidecar keeps the fields the external provider cannot store, keyed by
// (user, provider event id).
type Sidecar struct {
	ProviderEventID string          `json:"providerEventId"`
	Categories      []string        `json:"categories,omitempty"`
	Reminders       []Reminder      `json:"reminders,omitempty"`
	Recurrence      *RecurrenceRule `json:"recurrence,omitempty"`
	Exceptions      []Exception     `json:"exceptions,omitempty"`
}

func SidecarOf(e *Event) *Sidecar {
	c := e.Clone()
	return &Sidecar{
		ProviderEventID: e.SourceID,
		Categories:      c.Categories,
		Reminders:       c.Reminders,
		Recurrence:      c.Recurrence,
		Exceptions:      c.Exceptions,
	}
}

func (s *Sidecar) Empty() bool {
	return s == nil || (len(s.Categories) == 0 &&
		len(s.Reminders) == 0 &&
		s.Recurrence == nil &&
		len(s.Exceptions) == 0)
}

// Apply merges the sidecar into an event read from the provider. Values
// already present on the event win, except exceptions: they are merged by
// date and the sidecar entry replaces the provider one, since the sidecar is
// written before the provider is updated.
func (s *Sidecar) Apply(e *Event) {
	if s == nil {
		return
	}
	if len(e.Categories) == 0 {
		e.Categories = append([]string(nil), s.Categories...)
	}
	if len(e.Reminders) == 0 {
		e.Reminders = append([]Reminder(nil), s.Reminders...)
	}
	if e.Recurrence == nil && s.Recurrence != nil {
		r := s.Recurrence.Clone()
		e.Recurrence = &r
	}
	for _, ex := range s.Exceptions {
		e.UpsertException(ex.Clone())
	}
}
