package budget

import "time"

// Forecast projects a scope's spend from its recent burn rate. It is
// advisory only and never blocks or rejects anything.
type Forecast struct {
	ScopeType        string        `json:"scope_type"`
	ScopeID          string        `json:"scope_id"`
	BurnPerMinute    float64       `json:"burn_per_minute"`
	Remaining        float64       `json:"remaining"`
	TimeToExhaustion time.Duration `json:"time_to_exhaustion"` // zero when the burn rate is zero
	ProjectedCost    float64       `json:"projected_cost"`     // at reset_at, or current consumed without one
}

// Forecast computes a rolling burn rate over the governor's usage
// window and projects time-to-exhaustion and period-end cost.
func (g *Governor) Forecast(scopeType, scopeID string) (*Forecast, error) {
	b, err := g.store.GetBudget(scopeType, scopeID)
	if err != nil {
		return nil, err
	}

	f := &Forecast{
		ScopeType:     scopeType,
		ScopeID:       scopeID,
		Remaining:     b.Allocated - b.Consumed,
		ProjectedCost: b.Consumed,
	}
	if f.Remaining < 0 {
		f.Remaining = 0
	}

	f.BurnPerMinute = g.burnRate(scopeKey(scopeType, scopeID), time.Now())
	if f.BurnPerMinute <= 0 {
		return f, nil
	}

	f.TimeToExhaustion = time.Duration(f.Remaining / f.BurnPerMinute * float64(time.Minute))

	if b.ResetAt != nil {
		if until := time.Until(*b.ResetAt); until > 0 {
			f.ProjectedCost = b.Consumed + f.BurnPerMinute*until.Minutes()
		}
	}
	return f, nil
}

// burnRate sums window-resident samples and averages over the window.
func (g *Governor) burnRate(key string, now time.Time) float64 {
	window := g.window()
	cutoff := now.Add(-window)

	g.mu.Lock()
	defer g.mu.Unlock()

	var total float64
	for _, s := range g.usage[key] {
		if s.at.After(cutoff) {
			total += s.cost
		}
	}
	if total == 0 {
		return 0
	}
	return total / window.Minutes()
}
