package sampling

import (
	"errors"
	"sync"

	"github.com/strandml/strand/internal/logger"
)

// ErrUnknownGrammarState tags the recoverable condition of a state id with
// no configured pair. Selection falls back to the root pair instead of
// failing; the sentinel names the condition in logs and for callers that
// probe routing explicitly.
var ErrUnknownGrammarState = errors.New("unknown grammar state")

// Pair is a sampler together with its ordered processor chain, bound to one
// grammar state.
type Pair struct {
	Sampler    *Sampler
	Processors []Processor
}

// StateConfig describes a grammar state's overrides. Params layer over the
// request-level values; a nil Processors keeps the root chain.
type StateConfig struct {
	ID         string
	Params     Params
	Processors []Processor
}

// RouterConfig is the input to Configure.
type RouterConfig struct {
	// Root is the default state id used when no grammar state is active and
	// as the fallback for unknown states.
	Root string

	// Defaults are call-level sampling defaults; Request layers over them.
	Defaults Params
	Request  Params

	// Constraint is the mandatory grammar-constraint processor. It always
	// runs before any penalty-style processor in the root chain. Nil when
	// generation is unconstrained.
	Constraint Processor

	// Penalties run after the constraint in the root chain.
	Penalties []Processor

	States []StateConfig
}

// Router maps a grammar-state id to its (sampler, processors) pair. It is
// rebuilt wholesale whenever the grammar configuration changes; Select is
// safe to call concurrently with Configure.
type Router struct {
	mu    sync.RWMutex
	root  string
	pairs map[string]Pair
	log   logger.Logger
}

// NewRouter returns an unconfigured router. Select before Configure returns
// a zero Pair; callers are expected to Configure first.
func NewRouter(log logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{log: log, pairs: map[string]Pair{}}
}

// Configure rebuilds every state's pair from the layered parameters. The
// root state always exists after Configure returns.
func (r *Router) Configure(cfg RouterConfig) {
	base := cfg.Request.Over(cfg.Defaults)

	rootChain := make([]Processor, 0, 1+len(cfg.Penalties))
	if cfg.Constraint != nil {
		rootChain = append(rootChain, cfg.Constraint)
	}
	rootChain = append(rootChain, cfg.Penalties...)

	pairs := make(map[string]Pair, 1+len(cfg.States))
	pairs[cfg.Root] = Pair{
		Sampler:    NewSampler(base.Resolve()),
		Processors: rootChain,
	}

	for _, st := range cfg.States {
		if st.ID == cfg.Root {
			continue
		}
		chain := rootChain
		if st.Processors != nil {
			chain = st.Processors
		}
		pairs[st.ID] = Pair{
			Sampler:    NewSampler(st.Params.Over(base).Resolve()),
			Processors: chain,
		}
	}

	r.mu.Lock()
	r.root = cfg.Root
	r.pairs = pairs
	r.mu.Unlock()
}

// Select returns the pair for the given state id. Grammar states can appear
// dynamically mid-generation, so an unknown id does not fail the session:
// the root pair is the defined fallback, logged at warning level.
func (r *Router) Select(stateID string) Pair {
	p, err := r.Lookup(stateID)
	if err != nil {
		r.log.Warn("falling back to root sampler", "state", stateID, "root", r.Root(), "error", err)
	}
	return p
}

// Lookup returns the pair for the given state id, or the root pair together
// with ErrUnknownGrammarState when the id has no configured pair.
func (r *Router) Lookup(stateID string) (Pair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.pairs[stateID]; ok {
		return p, nil
	}
	return r.pairs[r.root], ErrUnknownGrammarState
}

// Root returns the configured root state id.
func (r *Router) Root() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}
