package watch

import (
	"strings"
	"time"
)

const pulseWidth = 5

// Pulse lights up on every event and fades one dot every two seconds.
type Pulse struct {
	lastEvent time.Time
}

func (p *Pulse) OnEvent(at time.Time) { p.lastEvent = at }

func (p Pulse) LastEvent() time.Time { return p.lastEvent }

// Lit returns how many dots are lit at now.
func (p Pulse) Lit(now time.Time) int {
	if p.lastEvent.IsZero() {
		return 0
	}
	lit := pulseWidth - int(now.Sub(p.lastEvent)/(2*time.Second))
	if lit < 0 {
		return 0
	}
	return lit
}

func (p Pulse) Render(theme Theme, now time.Time) string {
	lit := p.Lit(now)
	var b strings.Builder
	for i := range pulseWidth {
		if i < lit {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}
