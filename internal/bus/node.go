package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"jobmesh/go-backend/internal/platform/ratelimiter"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	AdvertiseAddress    string        `yaml:"advertiseAddress"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
	PublishRatePerSec   float64       `yaml:"publishRatePerSec"`
	PublishBurst        int           `yaml:"publishBurst"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Handler consumes one envelope. A returned error is logged and isolated to
// that envelope; it never stops delivery of later messages.
type Handler func(Envelope) error

// Node fronts the coordination bus. The mock transport is an in-process
// broadcast log; the go-waku transport (build tag real_waku) puts the same
// envelopes on a relay topic with store-backed history replay.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	selfID  string
	limiter *ratelimiter.MapLimiter
	gw      wakuBackend

	logSubIDs []int

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type wakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	ListenAddresses() []string
	Subscribe(handler func(Envelope)) error
	Publish(ctx context.Context, env Envelope) error
	FetchSince(ctx context.Context, since time.Time, limit int) ([]Envelope, error)
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableLightPush:     true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
		PublishRatePerSec:   5,
		PublishBurst:        20,
	}
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg:     cfg,
		limiter: ratelimiter.New(cfg.PublishRatePerSec, cfg.PublishBurst, 10*time.Minute),
		status: Status{
			State: StateDisconnected,
		},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.PublishRatePerSec <= 0 {
		cfg.PublishRatePerSec = def.PublishRatePerSec
	}
	if cfg.PublishBurst <= 0 {
		cfg.PublishBurst = def.PublishBurst
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setDisconnected()
			return errors.New("go-waku backend is not available in this build")
		}
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(backend.PeerCount(), n.cfg))
		n.status.PeerCount = backend.PeerCount()
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(n.cfg)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	for _, id := range n.logSubIDs {
		globalLog.unsubscribe(id)
	}
	n.logSubIDs = nil
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

// SetIdentity names this node on the bus; its envelopes carry the identity
// as sender and publish rate limiting is keyed by it.
func (n *Node) SetIdentity(identityID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = identityID
}

func (n *Node) Identity() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.selfID
}

// Subscribe replays the channel from its origin through the handler, then
// continues with live delivery. Handler failures are logged per envelope and
// never block subsequent messages.
func (n *Node) Subscribe(handler Handler) error {
	n.mu.Lock()
	state := n.status.State
	gw := n.gw
	n.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return errors.New("bus is not connected")
	}
	dispatch := func(env Envelope) {
		if err := handler(env); err != nil {
			slog.Warn("bus handler rejected envelope",
				"component", "bus",
				"envelope_type", env.Type,
				"sender_id", env.SenderID,
				"reason", err.Error())
		}
	}
	if gw != nil {
		history, err := gw.FetchSince(context.Background(), time.Time{}, 0)
		if err != nil {
			return err
		}
		for _, env := range history {
			dispatch(env)
		}
		return gw.Subscribe(dispatch)
	}

	id := globalLog.subscribe(dispatch)
	n.mu.Lock()
	n.logSubIDs = append(n.logSubIDs, id)
	n.mu.Unlock()
	return nil
}

// Publish appends one envelope to the broadcast channel.
func (n *Node) Publish(ctx context.Context, env Envelope) error {
	n.mu.RLock()
	state := n.status.State
	selfID := n.selfID
	gw := n.gw
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return errors.New("bus is not connected")
	}
	if env.Type == "" {
		return errors.New("envelope type is required")
	}
	if env.SenderID == "" {
		env.SenderID = selfID
	}
	if !n.limiter.Allow(env.SenderID, time.Now()) {
		return errors.New("publish rate limit exceeded")
	}
	if gw != nil {
		return gw.Publish(ctx, env)
	}
	globalLog.publish(env)
	return nil
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	gw := n.gw
	n.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
		"publish_limiter_keys":      n.limiter.ActiveKeys(),
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		// Update once immediately to avoid waiting one interval after startup.
		n.refreshRuntimeStatus()

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	target := cfg.MinPeers
	if target <= 0 {
		target = 1
	}
	if peerCount >= target {
		return StateConnected
	}
	return StateDegraded
}
