package sampling

// Params is a partial sampler configuration. Nil fields inherit from the
// layer below; layering order is call-level defaults, then request-level
// values, then grammar-state-specific overrides.
type Params struct {
	Temperature *float64
	TopK        *int
	TopP        *float64
	MinP        *float64
	Seed        *int64
}

// Over returns p layered over base: fields set in p win.
func (p Params) Over(base Params) Params {
	out := base
	if p.Temperature != nil {
		out.Temperature = p.Temperature
	}
	if p.TopK != nil {
		out.TopK = p.TopK
	}
	if p.TopP != nil {
		out.TopP = p.TopP
	}
	if p.MinP != nil {
		out.MinP = p.MinP
	}
	if p.Seed != nil {
		out.Seed = p.Seed
	}
	return out
}

// Resolve fills unset fields with the engine defaults and returns a concrete
// sampler configuration.
func (p Params) Resolve() Config {
	cfg := Config{
		Seed:        0,
		Temperature: 1.0,
		TopK:        0,
		TopP:        1.0,
		MinP:        0,
	}
	if p.Seed != nil {
		cfg.Seed = *p.Seed
	}
	if p.Temperature != nil {
		cfg.Temperature = float32(*p.Temperature)
	}
	if p.TopK != nil {
		cfg.TopK = *p.TopK
	}
	if p.TopP != nil {
		cfg.TopP = float32(*p.TopP)
	}
	if p.MinP != nil {
		cfg.MinP = float32(*p.MinP)
	}
	return cfg
}

// Float64 returns a pointer to v, for building Params literals.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
