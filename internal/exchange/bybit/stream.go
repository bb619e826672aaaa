package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wavebot/internal/core"
	"wavebot/internal/exchange"
)

const (
	authExpiry  = 10 * time.Second
	authTimeout = 10 * time.Second
)

var streamTopics = []string{"position", "order", "wallet"}

// Stream is the private account stream. One Run call owns one connection;
// the caller reconnects.
type Stream struct {
	client *Client
	symbol string
	sink   func(exchange.AccountEvent)
	dialer *websocket.Dialer

	mu    sync.Mutex
	legs  core.Positions
	ready func()
}

type wsOp struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

type wsReply struct {
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Op      string `json:"op"`
	ReqID   string `json:"req_id"`
}

type wsPush struct {
	Topic        string          `json:"topic"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}

func (c *Client) NewStream(symbol string, sink func(exchange.AccountEvent)) *Stream {
	return &Stream{
		client: c,
		symbol: symbol,
		sink:   sink,
		dialer: websocket.DefaultDialer,
	}
}

// Seed sets the leg view that single-leg position pushes are merged into.
func (s *Stream) Seed(pos core.Positions) {
	s.mu.Lock()
	s.legs = pos
	s.mu.Unlock()
}

// OnReady registers fn to run each time a subscribe is acknowledged.
func (s *Stream) OnReady(fn func()) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

func (s *Stream) Run(ctx context.Context) error {
	c := s.client
	if c.wsBaseURL == "" {
		return errors.New("bybit: ws base url required")
	}
	conn, _, err := s.dialer.DialContext(ctx, c.wsBaseURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(wsOp{ReqID: "sub", Op: "subscribe", Args: toArgs(streamTopics)}); err != nil {
		return err
	}

	readTimeout := c.ping * 3
	if readTimeout < 30*time.Second {
		readTimeout = 30 * time.Second
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.ping)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(wsOp{ReqID: "ping", Op: "ping"}); err != nil {
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.handle(data); err != nil {
			return err
		}
	}
}

func (s *Stream) authenticate(conn *websocket.Conn) error {
	c := s.client
	if c.apiKey == "" || c.apiSecret == "" {
		return errors.New("bybit: api_key/api_secret required")
	}
	expires := c.now().Add(authExpiry).UnixMilli()
	sig := sign(c.apiSecret, "GET/realtime"+strconv.FormatInt(expires, 10))
	if err := conn.WriteJSON(wsOp{ReqID: "auth", Op: "auth", Args: []any{c.apiKey, expires, sig}}); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var reply wsReply
		if err := json.Unmarshal(data, &reply); err != nil || reply.Op != "auth" {
			continue
		}
		if reply.Success == nil || !*reply.Success {
			return fmt.Errorf("bybit: ws auth rejected: %s", reply.RetMsg)
		}
		return nil
	}
}

// handle decodes one frame. Control replies are ignored except a failed
// subscribe, which ends the connection.
func (s *Stream) handle(data []byte) error {
	var push wsPush
	if err := json.Unmarshal(data, &push); err != nil {
		return nil
	}
	if push.Topic == "" {
		var reply wsReply
		if err := json.Unmarshal(data, &reply); err != nil || reply.Op != "subscribe" || reply.Success == nil {
			return nil
		}
		if !*reply.Success {
			return fmt.Errorf("bybit: subscribe rejected: %s", reply.RetMsg)
		}
		s.mu.Lock()
		ready := s.ready
		s.mu.Unlock()
		if ready != nil {
			ready()
		}
		return nil
	}
	at := time.Now().UTC()
	if push.CreationTime > 0 {
		at = time.UnixMilli(push.CreationTime).UTC()
	}
	ev := exchange.AccountEvent{Time: at}
	switch push.Topic {
	case "position":
		var entries []positionEntry
		if err := json.Unmarshal(push.Data, &entries); err != nil {
			return nil
		}
		pos, ok := s.mergePositions(entries)
		if !ok {
			return nil
		}
		ev.Positions = &pos
	case "order":
		var entries []orderEntry
		if err := json.Unmarshal(push.Data, &entries); err != nil {
			return nil
		}
		for _, o := range entries {
			if o.Symbol == s.symbol {
				ev.Orders = append(ev.Orders, o.order())
			}
		}
		if len(ev.Orders) == 0 {
			return nil
		}
	case "wallet":
		var entries []walletEntry
		if err := json.Unmarshal(push.Data, &entries); err != nil || len(entries) == 0 {
			return nil
		}
		bal := entries[0].balance(settleCoin)
		ev.Balance = &bal
	default:
		return nil
	}
	if s.sink != nil {
		s.sink(ev)
	}
	return nil
}

func (s *Stream) mergePositions(entries []positionEntry) (core.Positions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	touched := false
	for _, e := range entries {
		if e.Symbol != s.symbol {
			continue
		}
		dir := core.Long
		if e.PositionIdx == int(core.SlotShort) {
			dir = core.Short
		}
		leg := positions([]positionEntry{e}).Get(dir)
		s.legs.Set(dir, leg)
		touched = true
	}
	return s.legs, touched
}

func toArgs(v []string) []any {
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}
