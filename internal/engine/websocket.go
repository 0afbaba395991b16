package engine

import (
	"context"

	"github.com/danmuck/netbridge/internal/buffer"
	"github.com/danmuck/netbridge/internal/websocket"
)

// WebSocketReadFrame decodes one frame. The result is a *websocket.Frame
// whose payload the caller releases with WebSocketFreeFrame.
func (e *Engine) WebSocketReadFrame(fh, wh Handle) error {
	c, err := e.sockets.Get(wh)
	if err != nil {
		return err
	}
	return e.start(fh, "websocket_read_frame", false, func(ctx context.Context) (any, error) {
		f, err := c.ReadFrame(ctx)
		if err != nil {
			return nil, opErr(ctx, err)
		}
		return f, nil
	})
}

func (e *Engine) WebSocketFreeFrame(f *websocket.Frame) error {
	return f.Release()
}

// WebSocketSend writes one frame of type op. Masking is the caller's
// choice; the engine applies no policy.
func (e *Engine) WebSocketSend(fh, wh Handle, op websocket.Opcode, payload *buffer.Slice, opts websocket.SendOptions) error {
	c, err := e.sockets.Get(wh)
	if err != nil {
		return err
	}
	p, err := borrowed(payload)
	if err != nil {
		return err
	}
	return e.start(fh, "websocket_send", true, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, c.Send(ctx, op, p, opts))
	})
}

func (e *Engine) WebSocketSendContinuation(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpContinuation, p, websocket.SendOptions{})
}

func (e *Engine) WebSocketSendContinuationMasked(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpContinuation, p, websocket.SendOptions{Masked: true})
}

func (e *Engine) WebSocketSendContinuationFrag(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpContinuation, p, websocket.SendOptions{Fragment: true})
}

func (e *Engine) WebSocketSendContinuationMaskedFrag(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpContinuation, p, websocket.SendOptions{Masked: true, Fragment: true})
}

func (e *Engine) WebSocketSendText(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpText, p, websocket.SendOptions{})
}

func (e *Engine) WebSocketSendTextMasked(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpText, p, websocket.SendOptions{Masked: true})
}

func (e *Engine) WebSocketSendTextFrag(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpText, p, websocket.SendOptions{Fragment: true})
}

func (e *Engine) WebSocketSendTextMaskedFrag(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpText, p, websocket.SendOptions{Masked: true, Fragment: true})
}

func (e *Engine) WebSocketSendBinary(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpBinary, p, websocket.SendOptions{})
}

func (e *Engine) WebSocketSendBinaryMasked(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpBinary, p, websocket.SendOptions{Masked: true})
}

func (e *Engine) WebSocketSendBinaryFrag(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpBinary, p, websocket.SendOptions{Fragment: true})
}

func (e *Engine) WebSocketSendBinaryMaskedFrag(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpBinary, p, websocket.SendOptions{Masked: true, Fragment: true})
}

func (e *Engine) sendClose(fh, wh Handle, code uint16, reason string, masked bool) error {
	c, err := e.sockets.Get(wh)
	if err != nil {
		return err
	}
	return e.start(fh, "websocket_send_close", true, func(ctx context.Context) (any, error) {
		return nil, opErr(ctx, c.Close(ctx, code, reason, masked))
	})
}

// WebSocketSendClose sends a close frame. It does not wait for the peer's
// answer.
func (e *Engine) WebSocketSendClose(fh, wh Handle, code uint16, reason string) error {
	return e.sendClose(fh, wh, code, reason, false)
}

func (e *Engine) WebSocketSendCloseMasked(fh, wh Handle, code uint16, reason string) error {
	return e.sendClose(fh, wh, code, reason, true)
}

func (e *Engine) WebSocketSendPing(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpPing, p, websocket.SendOptions{})
}

func (e *Engine) WebSocketSendPingMasked(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpPing, p, websocket.SendOptions{Masked: true})
}

func (e *Engine) WebSocketSendPong(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpPong, p, websocket.SendOptions{})
}

func (e *Engine) WebSocketSendPongMasked(fh, wh Handle, p *buffer.Slice) error {
	return e.WebSocketSend(fh, wh, websocket.OpPong, p, websocket.SendOptions{Masked: true})
}

// WebSocketClose shuts down the write half of the underlying stream.
func (e *Engine) WebSocketClose(wh Handle) error {
	c, err := e.sockets.Get(wh)
	if err != nil {
		return err
	}
	return c.Stream().CloseWrite()
}

func (e *Engine) WebSocketFree(wh Handle) error {
	c, err := e.sockets.Remove(wh)
	if err != nil {
		return err
	}
	return c.Release()
}
