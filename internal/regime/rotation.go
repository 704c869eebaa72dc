package regime

// AgentSkill is one agent's historical {mean_return, hit_rate} in one
// regime (spec.md §4.E "agent-regime skill"). Agents lacking data get
// weight 0 in that regime.
type AgentSkill struct {
	MeanReturn float64
	HitRate    float64
}

// Rotate derives per-agent regime weights from the active regime,
// confidence, and each agent's base weight and historical skill:
// w_i = base_weight_i * max(mean_return, 0) * hit_rate * confidence
// (spec.md §4.E). Grounded on
// original_source/meta/regime_rotation.py's apply_regime_rotation.
func Rotate(baseWeights map[string]float64, skills map[string]AgentSkill, confidence float64) map[string]float64 {
	out := make(map[string]float64, len(baseWeights))
	for agent, base := range baseWeights {
		skill, ok := skills[agent]
		if !ok {
			out[agent] = 0
			continue
		}
		mr := skill.MeanReturn
		if mr < 0 {
			mr = 0
		}
		out[agent] = base * mr * skill.HitRate * confidence
	}
	return out
}
