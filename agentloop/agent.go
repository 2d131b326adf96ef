package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/reactor/session"
	"github.com/martinemde/reactor/unifiedllm"
)

// CompressionTrigger selects what starts a compression pass.
type CompressionTrigger string

const (
	// TriggerBudget compresses when the estimate crosses the threshold.
	TriggerBudget CompressionTrigger = "budget"
	// TriggerCount compresses when history exceeds MaxMessages. It is the
	// fallback for deployments that disable budget estimation.
	TriggerCount CompressionTrigger = "count"
)

// Config holds the loop settings.
type Config struct {
	Model       string
	Provider    string
	Kernel      string
	Temperature *float64
	MaxTokens   *int

	MaxIterations    int
	MaxParallelTools int
	Retry            unifiedllm.RetryPolicy

	Budget             BudgetConfig
	CompressionTrigger CompressionTrigger
	MaxMessages        int

	LoopDetection bool
	LoopWindow    int

	EventBuffer int
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		Kernel:             DefaultKernel,
		MaxIterations:      25,
		MaxParallelTools:   4,
		Retry:              unifiedllm.DefaultRetryPolicy(),
		Budget:             DefaultBudgetConfig(),
		CompressionTrigger: TriggerBudget,
		MaxMessages:        40,
		LoopDetection:      true,
		LoopWindow:         10,
		EventBuffer:        64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Kernel == "" {
		c.Kernel = d.Kernel
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxParallelTools <= 0 {
		c.MaxParallelTools = d.MaxParallelTools
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.CompressionTrigger == "" {
		c.CompressionTrigger = d.CompressionTrigger
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = d.LoopWindow
	}
	if c.EventBuffer < 0 {
		c.EventBuffer = d.EventBuffer
	}
	c.Budget = c.Budget.withDefaults()
	return c
}

// FinalResult is returned when the loop reaches FINISHED.
type FinalResult struct {
	SessionID  string           `json:"session_id"`
	Answer     string           `json:"answer"`
	Iterations int              `json:"iterations"`
	History    []Message        `json:"history"`
	Plan       []PlanStep       `json:"plan,omitempty"`
	Usage      unifiedllm.Usage `json:"usage"`
}

// Agent runs missions against one model client and one sealed registry.
// Executions on the same Agent are serialized.
type Agent struct {
	client     *unifiedllm.Client
	registry   *Registry
	plan       *PlanStore
	budget     *Budgeter
	compressor *Compressor
	summarizer Summarizer
	store      session.Store
	toolDefs   []unifiedllm.ToolDefinition
	cfg        Config
	logger     *zap.Logger

	running sync.Mutex
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSessionStore persists history and plan after every iteration.
func WithSessionStore(store session.Store) Option {
	return func(a *Agent) { a.store = store }
}

// WithSummarizer overrides the model-backed summarizer used by compression.
func WithSummarizer(s Summarizer) Option {
	return func(a *Agent) { a.summarizer = s }
}

// WithPlanStore supplies the plan store instead of a fresh one.
func WithPlanStore(p *PlanStore) Option {
	return func(a *Agent) {
		if p != nil {
			a.plan = p
		}
	}
}

// New builds an Agent. The plan capabilities are added to registry, which is
// then sealed; registration errors surface here rather than at call time.
func New(client *unifiedllm.Client, registry *Registry, cfg Config, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agentloop: model client is required")
	}
	if registry == nil {
		return nil, errors.New("agentloop: registry is required")
	}

	a := &Agent{
		client:   client,
		registry: registry,
		plan:     NewPlanStore(),
		cfg:      cfg.withDefaults(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, c := range PlanCapabilities(a.plan) {
		if _, exists := registry.Lookup(c.Descriptor().Name); exists {
			continue
		}
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register plan capabilities: %w", err)
		}
	}
	registry.Seal()
	a.toolDefs = registry.ToolDefinitions()

	if a.summarizer == nil {
		a.summarizer = &ModelSummarizer{Client: client, Model: a.cfg.Model, Provider: a.cfg.Provider}
	}
	a.budget = NewBudgeter(a.cfg.Budget, a.logger.Named("budget"))
	a.compressor = NewCompressor(a.summarizer, a.plan, CompressorConfig{
		KeepRecent: a.cfg.Budget.KeepRecent,
	}, a.logger.Named("compressor"))

	a.logger.Debug("agent constructed", zap.Int("capabilities", registry.Len()))
	return a, nil
}

// Catalog returns the capability catalog.
func (a *Agent) Catalog() []Descriptor {
	return a.registry.Catalog()
}

// Plan returns the agent's plan store.
func (a *Agent) Plan() *PlanStore {
	return a.plan
}

// Execute runs mission to completion. prior is prepended to the history.
// A non-nil error is a *Failure, or ErrAgentBusy.
func (a *Agent) Execute(ctx context.Context, mission string, prior []Message) (*FinalResult, error) {
	if !a.running.TryLock() {
		return nil, ErrAgentBusy
	}
	defer a.running.Unlock()

	a.plan.Reset()
	return a.run(ctx, a.newExecution(uuid.New().String(), mission, prior, nil))
}

// Stream runs mission like Execute and reports progress on the returned
// channel. The channel carries exactly one final_answer or error event and
// is then closed; it must be drained.
func (a *Agent) Stream(ctx context.Context, mission string, prior []Message) <-chan Event {
	id := uuid.New().String()
	events := newEventEmitter(id, a.cfg.EventBuffer)

	if !a.running.TryLock() {
		go events.finish(Event{Kind: EventError, Err: ErrAgentBusy})
		return events.events()
	}

	go func() {
		defer a.running.Unlock()
		a.plan.Reset()
		ex := a.newExecution(id, mission, prior, nil)
		ex.events = events
		_, _ = a.run(ctx, ex)
	}()
	return events.events()
}

// Resume continues a saved session with a new mission message. The saved
// history and plan are restored first.
func (a *Agent) Resume(ctx context.Context, sessionID, mission string) (*FinalResult, error) {
	if a.store == nil {
		return nil, ErrNoSessionStore
	}
	if !a.running.TryLock() {
		return nil, ErrAgentBusy
	}
	defer a.running.Unlock()

	state, err := a.store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}
	var history []Message
	if len(state.History) > 0 {
		if err := json.Unmarshal(state.History, &history); err != nil {
			return nil, fmt.Errorf("decode history of session %s: %w", sessionID, err)
		}
	}
	var steps []PlanStep
	if len(state.Plan) > 0 {
		if err := json.Unmarshal(state.Plan, &steps); err != nil {
			return nil, fmt.Errorf("decode plan of session %s: %w", sessionID, err)
		}
	}
	a.plan.Restore(steps)

	return a.run(ctx, a.newExecution(sessionID, mission, history, state.Metadata))
}

// execution is the mutable state of one run.
type execution struct {
	id         string
	mission    string
	history    []Message
	usage      unifiedllm.Usage
	iterations int
	events     *eventEmitter
	metadata   map[string]string
	started    time.Time
}

func (a *Agent) newExecution(id, mission string, prior []Message, metadata map[string]string) *execution {
	md := make(map[string]string, len(metadata)+4)
	for k, v := range metadata {
		md[k] = v
	}
	return &execution{
		id:       id,
		mission:  mission,
		history:  CloneMessages(prior),
		metadata: md,
		started:  time.Now(),
	}
}

// Session status values written to metadata.
const (
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// save persists the execution. Failures are logged, never fatal.
func (a *Agent) save(ctx context.Context, ex *execution, status string) {
	if a.store == nil {
		return
	}
	history, err := json.Marshal(ex.history)
	if err != nil {
		a.logger.Error("encode history", zap.String("session_id", ex.id), zap.Error(err))
		return
	}
	plan, err := json.Marshal(a.plan.Steps())
	if err != nil {
		a.logger.Error("encode plan", zap.String("session_id", ex.id), zap.Error(err))
		return
	}

	ex.metadata["mission"] = ex.mission
	ex.metadata["status"] = status
	ex.metadata["iterations"] = strconv.Itoa(ex.iterations)
	if a.cfg.Model != "" {
		ex.metadata["model"] = a.cfg.Model
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	state := session.State{
		ID:        ex.id,
		History:   history,
		Plan:      plan,
		Metadata:  ex.metadata,
		UpdatedAt: time.Now(),
	}
	if err := a.store.Save(saveCtx, ex.id, state); err != nil {
		a.logger.Warn("session save failed", zap.String("session_id", ex.id), zap.Error(err))
	}
}
