// Package decode implements C11, the decode loop and sampler gateway: the
// prefill/decode state machine of spec.md §4.7, cancellation (spec.md §5),
// and the completion-signal envelope (spec.md §6). Grounded on
// runner/ollamarunner/runner_compute.go's computeBatch (the forward pass
// → vocabulary slice → seq.sampler.Sample(logits) → EOS-check → append
// call shape) and runner_sequence.go/runner_types.go's Sequence (one
// decode's prompt-then-generate lifecycle, its sampler field, its
// DoneReason-keyed termination), adapted from "many concurrent sequences
// sharing a server" to "one decode context" (spec.md §5's "no parallel
// decode contexts on one device").
package decode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/clocksmith/doppler-sub019/internal/kernelpath"
	"github.com/clocksmith/doppler-sub019/internal/kvcache"
	"github.com/clocksmith/doppler-sub019/internal/stability"
)

// Sampler delegates token selection to the host, mirroring
// sample.Sampler.Sample(logits) from the teacher (spec.md §1: "sampler
// policies treated as opaque producers/consumers").
type Sampler interface {
	Sample(logits []float32) (int32, error)
}

// EOSFunc reports whether token is an end-of-sequence marker. Tokenization
// itself is a non-goal (spec.md §1); the decode loop only needs this one
// predicate to terminate.
type EOSFunc func(token int32) bool

// Model is the host's bridge from decode-loop orchestration to actual
// layer compute, keeping this package ignorant of weight/kernel-dispatch
// details the way Dispatcher keeps the attention engine ignorant of GPU
// specifics.
type Model interface {
	NumLayers() int
	HiddenSize() int
	Embed(token int32) ([]float32, error)
	RunLayer(ctx context.Context, layerIndex int, phase kernelpath.Phase, positions []int, hidden []float32, cache kvcache.Cache) ([]float32, []stability.State, error)
	LMHead(ctx context.Context, hidden []float32) ([]float32, error)
	NewCache() kvcache.Cache
}

// Context is one decode context: its own KV cache, lifecycle state, and
// cancellation handle. Two Contexts never share mutable routing state —
// see kernelpath.ActivePath and SPEC_FULL.md's Open Question Decision #4.
type Context struct {
	ID uuid.UUID

	model Model
	cache kvcache.Cache
	path  *kernelpath.ActivePath

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// NewContext constructs a decode context bound to model, with its own KV
// cache and active-path handle.
func NewContext(model Model, rp *kernelpath.ResolvedPath) *Context {
	return &Context{
		ID:    uuid.New(),
		model: model,
		cache: model.NewCache(),
		path:  kernelpath.NewActivePath(rp),
		state: StateIdle,
	}
}

// ActivePath returns this context's active-path handle (spec.md §3/§4.1),
// scoped per decode context per SPEC_FULL.md's Open Question Decision #4.
func (c *Context) ActivePath() *kernelpath.ActivePath {
	return c.path
}

// State returns the context's current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Cancel causes the next suspension point in Run to resolve with
// Cancelled (spec.md §5). Safe to call before Run starts or after it
// finishes; it is then a no-op.
func (c *Context) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes prefill then decodes up to maxTokens tokens, emitting one
// Result per generated token and exactly one Done at the end (spec.md
// §4.7/§6). It returns the terminal error, if any; the same error (or nil)
// has already been reported through signals before Run returns.
func (c *Context) Run(parent context.Context, promptTokens []int32, maxTokens int, sampler Sampler, eos EOSFunc, signals Signals) error {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	defer func() {
		if signals != nil {
			signals.Done()
		}
	}()

	logits, err := c.prefill(ctx, promptTokens)
	if err != nil {
		c.setState(StateFailed)
		if signals != nil {
			signals.Error(err)
		}
		return err
	}

	c.setState(StateDecoding)
	pos := len(promptTokens)

	for i := 0; i < maxTokens; i++ {
		select {
		case <-ctx.Done():
			return c.fail(&Cancelled{}, signals)
		default:
		}

		token, err := sampler.Sample(logits)
		if err != nil {
			return c.fail(fmt.Errorf("decode: sample: %w", err), signals)
		}

		if signals != nil {
			if err := signals.Result(map[string]any{"token": token, "position": pos}); err != nil {
				return c.fail(err, signals)
			}
		}

		if eos != nil && eos(token) {
			c.setState(StateIdle)
			return nil
		}

		hidden, err := c.model.Embed(token)
		if err != nil {
			return c.fail(fmt.Errorf("decode: embed: %w", err), signals)
		}

		for layer := 0; layer < c.model.NumLayers(); layer++ {
			out, _, err := c.model.RunLayer(ctx, layer, kernelpath.PhaseDecode, []int{pos}, hidden, c.cache)
			if err != nil {
				return c.fail(classifyLayerError(err), signals)
			}
			hidden = out
		}

		logits, err = c.model.LMHead(ctx, hidden)
		if err != nil {
			return c.fail(fmt.Errorf("decode: lm_head: %w", err), signals)
		}
		pos++
	}

	c.setState(StateIdle)
	return nil
}

// prefill ingests the full prompt in one batched pass through all layers,
// populating KV for positions [0, promptLen) (spec.md §4.7), and returns
// the logits for the last prompt position.
func (c *Context) prefill(ctx context.Context, promptTokens []int32) ([]float32, error) {
	if len(promptTokens) == 0 {
		return nil, fmt.Errorf("decode: prefill called with no prompt tokens")
	}
	c.setState(StatePrefilling)

	hiddenSize := c.model.HiddenSize()
	hidden := make([]float32, 0, len(promptTokens)*hiddenSize)
	for _, tok := range promptTokens {
		e, err := c.model.Embed(tok)
		if err != nil {
			return nil, fmt.Errorf("decode: embed prompt token: %w", err)
		}
		hidden = append(hidden, e...)
	}

	positions := make([]int, len(promptTokens))
	for i := range positions {
		positions[i] = i
	}

	for layer := 0; layer < c.model.NumLayers(); layer++ {
		select {
		case <-ctx.Done():
			return nil, &Cancelled{}
		default:
		}
		out, _, err := c.model.RunLayer(ctx, layer, kernelpath.PhasePrefill, positions, hidden, c.cache)
		if err != nil {
			return nil, classifyLayerError(err)
		}
		hidden = out
	}

	lastPos := len(promptTokens) - 1
	lastHidden := hidden[lastPos*hiddenSize : (lastPos+1)*hiddenSize]
	return c.model.LMHead(ctx, lastHidden)
}

func (c *Context) fail(err error, signals Signals) error {
	c.setState(StateFailed)
	if signals != nil {
		signals.Error(err)
	}
	return err
}

// classifyLayerError surfaces a kvcache overflow as ContextFull, matching
// spec.md §7's taxonomy; PoisonedPrefill/PoisonedDecode and any other
// error pass through unchanged.
func classifyLayerError(err error) error {
	var overflow *kvcache.KVOverflow
	if errors.As(err, &overflow) {
		return &ContextFull{Inner: err}
	}
	return err
}
