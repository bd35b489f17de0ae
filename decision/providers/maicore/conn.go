package maicore

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/vtubeflow/bus"
)

// disconnectSentinel marks a reply channel resolution caused by socket
// loss rather than a backend reply.
const disconnectSentinel = "\x00disconnected"

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// connectLoop maintains the WebSocket forever: dial, serve reads until
// the socket drops, back off, repeat. Cancellation is the only exit.
func (p *Provider) connectLoop(ctx context.Context) {
	defer close(p.runDone)

	backoff := initialBackoff
	for {
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("backend dial failed",
				zap.String("url", p.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(jittered(backoff)):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		p.connMu.Lock()
		p.conn = conn
		p.connMu.Unlock()
		p.logger.Info("backend connected", zap.String("url", p.url))
		if p.bus != nil {
			p.bus.Emit(ctx, bus.TopicDecisionConnected, p.Name(), p.Name())
		}

		p.readLoop(ctx, conn)

		p.connMu.Lock()
		p.conn = nil
		p.connMu.Unlock()
		p.failPending()
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")

		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("backend disconnected")
		if p.bus != nil {
			p.bus.Emit(ctx, bus.TopicDecisionDisconnected, p.Name(), p.Name())
		}
	}
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, p.url, nil)
	return conn, err
}

// readLoop dispatches replies to their waiting decides until the socket
// errors.
func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var reply platformReply
		if err := json.Unmarshal(data, &reply); err != nil {
			p.logger.Warn("malformed backend frame", zap.Error(err))
			continue
		}

		p.pendingMu.Lock()
		ch, ok := p.pending[reply.MessageID]
		if ok {
			delete(p.pending, reply.MessageID)
		}
		p.pendingMu.Unlock()

		if !ok {
			// Late or unknown correlation id: the decide already timed
			// out or never existed.
			p.logger.Debug("dropping uncorrelated reply",
				zap.String("message_id", reply.MessageID))
			continue
		}
		ch <- reply
	}
}

// failPending resolves every outstanding decide with the disconnect
// sentinel so callers fail fast instead of waiting out their timeout.
func (p *Provider) failPending() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		ch <- platformReply{MessageID: disconnectSentinel}
		delete(p.pending, id)
	}
}

// jittered spreads reconnect attempts by ±25%.
func jittered(d time.Duration) time.Duration {
	f := float64(d)
	return time.Duration(f + (rand.Float64()*2-1)*f*0.25)
}
