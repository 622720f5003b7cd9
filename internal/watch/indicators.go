package watch

import (
	"strings"
	"time"
)

// Spinner shows event activity with a decaying dot pattern.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

func (s *Spinner) OnEvent(now time.Time) {
	s.dots = 5
	s.lastEvent = now
}

// Decay fades one dot for every two seconds without events.
func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	left := 5 - int(now.Sub(s.lastEvent)/(2*time.Second))
	s.dots = max(0, min(5, left))
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) LastEvent() time.Time {
	return s.lastEvent
}
