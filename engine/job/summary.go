package job

// SummaryFunc aggregates per-account results into the action-specific
// summary callers consume instead of the raw result list.
type SummaryFunc func(results []AccountResult) map[string]any

// Summarize produces a step's summary using the action's registered
// aggregator, falling back to the generic counter when the action has none.
func (r *Registry) Summarize(action ActionType, results []AccountResult) map[string]any {
	if spec, ok := r.Get(action); ok && spec.Summarize != nil {
		return spec.Summarize(results)
	}
	return summarizeGeneric(results)
}

// summarizeGeneric counts successes and failures. Every action without a
// dedicated aggregator lands here.
func summarizeGeneric(results []AccountResult) map[string]any {
	successes, failures := 0, 0
	for _, res := range results {
		if res.Success {
			successes++
		} else {
			failures++
		}
	}
	return map[string]any{
		"accounts":  len(results),
		"successes": successes,
		"failures":  failures,
	}
}

// summarizeAttack totals the spoils and losses the executor reported per
// account: gold won, attack turns spent, and casualties on both sides.
func summarizeAttack(results []AccountResult) map[string]any {
	summary := summarizeGeneric(results)

	var goldWon, turnsUsed, casualties, enemyCasualties float64
	for _, res := range results {
		if !res.Success || res.Data == nil {
			continue
		}
		goldWon += numField(res.Data, "gold_won")
		turnsUsed += numField(res.Data, "turns_used")
		casualties += numField(res.Data, "casualties")
		enemyCasualties += numField(res.Data, "enemy_casualties")
	}

	summary["gold_won"] = goldWon
	summary["turns_used"] = turnsUsed
	summary["casualties"] = casualties
	summary["enemy_casualties"] = enemyCasualties
	return summary
}

// summarizeSendCredits totals the credits actually transferred.
func summarizeSendCredits(results []AccountResult) map[string]any {
	summary := summarizeGeneric(results)

	var transferred float64
	for _, res := range results {
		if !res.Success || res.Data == nil {
			continue
		}
		transferred += numField(res.Data, "credits_sent")
	}

	summary["credits_sent"] = transferred
	return summary
}

// numField reads a numeric field from executor-reported data. Executors
// round-trip through JSON, so numbers arrive as float64; integer values
// from in-process executors are accepted too.
func numField(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
