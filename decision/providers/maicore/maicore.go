// Package maicore provides the default decision provider. It speaks a
// WebSocket protocol to an external AI chat backend, correlating requests
// and replies by message_id, and structures the backend's freeform reply
// text into an intent with the LLM-driven intent parser. A reconnect loop
// keeps the socket alive until shutdown.
package maicore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/bus"
	"github.com/BaSui01/vtubeflow/decision"
	"github.com/BaSui01/vtubeflow/registry"
	"github.com/BaSui01/vtubeflow/types"
)

func init() {
	registry.RegisterDecision("maicore", func(cfg map[string]any) (registry.DecisionProvider, error) {
		return New(cfg)
	})
}

// platformMessage is the outbound WebSocket frame.
type platformMessage struct {
	MessageID  string         `json:"message_id"`
	Type       string         `json:"type"`
	Text       string         `json:"text"`
	Source     string         `json:"source"`
	Importance float64        `json:"importance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// platformReply is the inbound WebSocket frame.
type platformReply struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Text      string `json:"text"`
}

// Provider is the maicore decision provider.
type Provider struct {
	url         string
	parserBack  string
	dialTimeout time.Duration

	parser *decision.IntentParser
	bus    *bus.Bus
	logger *zap.Logger

	// pending maps message_id to the waiting decide's reply channel.
	pendingMu sync.Mutex
	pending   map[string]chan platformReply

	// connMu guards the current connection; writes are serialized.
	connMu sync.Mutex
	conn   *websocket.Conn

	runCancel context.CancelFunc
	runDone   chan struct{}
	setupOnce sync.Once
	closed    bool
}

// New builds the provider from its config map. Recognized keys:
// url (string, required) — the backend WebSocket endpoint;
// parser_backend (string, default "llm_fast") — intent parser backend.
func New(cfg map[string]any) (*Provider, error) {
	url, _ := cfg["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("maicore requires a url")
	}
	parserBack, _ := cfg["parser_backend"].(string)
	return &Provider{
		url:         url,
		parserBack:  parserBack,
		dialTimeout: 10 * time.Second,
		pending:     make(map[string]chan platformReply),
	}, nil
}

// Name implements registry.DecisionProvider.
func (p *Provider) Name() string { return "maicore" }

// Setup implements registry.DecisionProvider: starts the reconnect loop.
func (p *Provider) Setup(_ context.Context, pctx registry.ProviderContext) error {
	p.logger = pctx.ComponentLogger("maicore")
	p.bus = pctx.Bus
	p.parser = decision.NewIntentParser(pctx.LLM, p.parserBack, p.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	p.runCancel = cancel
	p.runDone = make(chan struct{})
	go p.connectLoop(runCtx)
	return nil
}

// Decide sends the message over the socket and awaits the correlated
// reply. Socket loss fails fast with a DISCONNECTED error rather than
// waiting out the timeout.
func (p *Provider) Decide(ctx context.Context, msg *types.NormalizedMessage) (*types.Intent, error) {
	id := uuid.NewString()
	replyCh := make(chan platformReply, 1)

	p.pendingMu.Lock()
	p.pending[id] = replyCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	out := platformMessage{
		MessageID:  id,
		Type:       "message",
		Text:       msg.Text,
		Source:     msg.Source,
		Importance: msg.Importance,
		Metadata:   msg.Metadata,
	}
	if err := p.send(ctx, out); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.MessageID == disconnectSentinel {
			return nil, types.NewError(types.ErrDisconnected, "socket lost while awaiting reply").
				WithProvider(p.Name())
		}
		return p.parser.Parse(ctx, msg.Text, reply.Text), nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrTimeout, "no reply from backend").
			WithProvider(p.Name()).WithCause(ctx.Err())
	}
}

func (p *Provider) send(ctx context.Context, msg platformMessage) error {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return types.NewError(types.ErrDisconnected, "backend not connected").WithProvider(p.Name())
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal platform message: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return types.NewError(types.ErrDisconnected, "write failed").
			WithProvider(p.Name()).WithCause(err)
	}
	return nil
}

// Cleanup implements registry.DecisionProvider. Idempotent.
func (p *Provider) Cleanup() error {
	p.connMu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.connMu.Unlock()
	if alreadyClosed {
		return nil
	}
	if p.runCancel != nil {
		p.runCancel()
		<-p.runDone
	}
	return nil
}
