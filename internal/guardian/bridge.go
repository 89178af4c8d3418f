package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/veilguard/veil/internal/core"
	"github.com/veilguard/veil/internal/execctx"
	"github.com/veilguard/veil/internal/modules/channels"
	"github.com/veilguard/veil/internal/modules/resolution"
	"github.com/veilguard/veil/internal/modules/trackpack"
	"github.com/veilguard/veil/internal/registry"
)

// ErrUnknownRequest is returned for bridge operations that do not exist.
var ErrUnknownRequest = errors.New("unknown bridge request")

// Bridge operations, served on veil.rpc.<op>.
const (
	OpTransfer   = "transfer"
	OpOutgoing   = "outgoing"
	OpBrand      = "brand"
	OpConfigured = "configured"
	OpResolve    = "resolve"
	OpContext    = "context"
	OpDiscovery  = "discovery"
	OpLanguage   = "language"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpTick       = "tick"
	OpLogs       = "logs"
	OpStats      = "stats"
)

// Reply error codes.
const (
	CodeUnknownRequest = "unknown_request"
	CodeBadRequest     = "bad_request"
	CodeResolveFailed  = "resolve_failed"
	CodeInternal       = "internal"
)

// Subject returns the request subject for op.
func Subject(op string) string {
	return core.RPCSubject + "." + op
}

type envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// ─── Wire types ─────────────────────────────────────────────────────────────

type TransferRequest struct {
	URL  string `json:"url"`
	Hash string `json:"hash,omitempty"`
}

type OutgoingRequest struct {
	Kind     string   `json:"kind,omitempty"`
	Channel  string   `json:"channel"`
	Channels []string `json:"channels,omitempty"`
}

type OutgoingReply struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

type BrandRequest struct {
	Real string `json:"real"`
}

type BrandReply struct {
	Brand string `json:"brand"`
}

// ResolveRequest carries the value the host resolved itself. RealError, when
// set, is returned as the resolution failure instead.
type ResolveRequest struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Fallback  string `json:"fallback,omitempty"`
	Real      string `json:"real"`
	RealError string `json:"real_error,omitempty"`
}

// ContextRequest is Op "enter" with Source, "teardown" with Next, or "exit".
type ContextRequest struct {
	Op     string `json:"op"`
	Source string `json:"source,omitempty"`
	Next   string `json:"next,omitempty"`
}

type ContextReply struct {
	Active      bool   `json:"active"`
	Source      string `json:"source,omitempty"`
	PendingExit bool   `json:"pending_exit"`
}

type DiscoveryRequest struct {
	Extension   string `json:"extension,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Kind        string `json:"kind"`
	Item        string `json:"item"`
	Hint        string `json:"hint,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Value       string `json:"value,omitempty"`
}

// LanguageRequest is Phase "reload" or "loaded".
type LanguageRequest struct {
	Phase string `json:"phase"`
}

type ConnectRequest struct {
	Remote string `json:"remote"`
}

type TickReply struct {
	Ran int `json:"ran"`
}

type LogsRequest struct {
	Lines int `json:"lines"`
}

// ─── Server ─────────────────────────────────────────────────────────────────

type badRequest struct{ err error }

func (e badRequest) Error() string { return e.err.Error() }
func (e badRequest) Unwrap() error { return e.err }

func bad(format string, args ...interface{}) error {
	return badRequest{fmt.Errorf(format, args...)}
}

type resolveFailed struct{ err error }

func (e resolveFailed) Error() string { return e.err.Error() }
func (e resolveFailed) Unwrap() error { return e.err }

// Bridge answers host requests arriving over NATS.
type Bridge struct {
	g      *Guardian
	logger zerolog.Logger
}

// ServeBridge subscribes to veil.rpc.> on the engine's bus.
func ServeBridge(g *Guardian) (*Bridge, error) {
	if g.engine.Bus == nil {
		return nil, core.ErrBusDisabled
	}
	b := &Bridge{g: g, logger: g.engine.ComponentLogger("bridge")}
	if err := g.engine.Bus.Serve(core.RPCSubject+".>", b.handle); err != nil {
		return nil, err
	}
	b.logger.Info().Str("subject", core.RPCSubject+".>").Msg("host bridge listening")
	return b, nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, core.RPCSubject+".")
	result, err := b.call(op, msg.Data)
	if err := msg.Respond(b.reply(op, result, err)); err != nil {
		b.logger.Warn().Err(err).Str("op", op).Msg("bridge reply failed")
	}
}

// reply encodes the envelope for a finished request. Encoding failures are
// logged and answered with an internal error.
func (b *Bridge) reply(op string, result interface{}, err error) []byte {
	var env envelope
	if err != nil {
		env.Error = err.Error()
		env.Code = ErrorCode(err)
		b.logger.Debug().Err(err).Str("op", op).Str("code", env.Code).Msg("bridge request failed")
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			b.logger.Warn().Err(merr).Str("op", op).Msg("bridge result not encoded")
			env.Error = merr.Error()
			env.Code = CodeInternal
		} else {
			env.Result = data
		}
	}

	data, merr := json.Marshal(env)
	if merr != nil {
		b.logger.Warn().Err(merr).Str("op", op).Msg("bridge reply not encoded")
		return []byte(`{"error":"reply not encoded","code":"` + CodeInternal + `"}`)
	}
	return data
}

// ErrorCode maps a Dispatch error onto its reply code.
func ErrorCode(err error) string {
	var br badRequest
	var rf resolveFailed
	switch {
	case errors.Is(err, ErrUnknownRequest):
		return CodeUnknownRequest
	case errors.Is(err, ErrInvalidDiscovery), errors.As(err, &br):
		return CodeBadRequest
	case errors.As(err, &rf):
		return CodeResolveFailed
	default:
		return CodeInternal
	}
}

// call dispatches one request. Panics become internal errors.
func (b *Bridge) call(op string, data []byte) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error().Str("op", op).Interface("panic", rec).Msg("bridge handler panicked")
			result, err = nil, fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return b.g.Dispatch(op, data)
}

// Dispatch runs one host event given as an operation name and its JSON
// request. It backs both the bridge and recorded-session replay. A nil
// result means the operation has no reply body.
func (g *Guardian) Dispatch(op string, data []byte) (interface{}, error) {
	switch op {
	case OpTransfer:
		var req TransferRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return g.OnTransferRequest(req.URL, req.Hash), nil

	case OpOutgoing:
		var req OutgoingRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		payload, err := req.payload()
		if err != nil {
			return nil, err
		}
		d := g.OnOutgoing(payload)
		reply := OutgoingReply{Action: d.Action.String(), Reason: d.Reason}
		for _, ch := range d.Channels {
			reply.Channels = append(reply.Channels, ch.String())
		}
		return reply, nil

	case OpBrand:
		var req BrandRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		return BrandReply{Brand: g.BrandFor(req.Real)}, nil

	case OpConfigured:
		g.OnConfigurationFinished()
		return nil, nil

	case OpResolve:
		var req ResolveRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		kind, ok := registry.ParseKind(req.Kind)
		if !ok || kind == registry.KindChannel {
			return nil, bad("unsupported resolution kind %q", req.Kind)
		}
		res, err := g.Resolve(resolution.Request{Kind: kind, Key: req.Key, Fallback: req.Fallback}, func() (string, error) {
			if req.RealError != "" {
				return "", errors.New(req.RealError)
			}
			return req.Real, nil
		})
		if err != nil {
			return nil, resolveFailed{err}
		}
		return res, nil

	case OpContext:
		var req ContextRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		switch strings.ToLower(req.Op) {
		case "enter":
			src, ok := execctx.ParseSource(req.Source)
			if !ok {
				return nil, bad("unknown source %q", req.Source)
			}
			g.EnterContext(src)
		case "teardown":
			g.TeardownContext(execctx.ParseSurface(req.Next))
		case "exit":
			g.Context.Exit()
		case "", "query":
		default:
			return nil, bad("unknown context op %q", req.Op)
		}
		src, active := g.Context.Source()
		reply := ContextReply{Active: active, PendingExit: g.Context.HasPendingExit()}
		if active {
			reply.Source = src.String()
		}
		return reply, nil

	case OpDiscovery:
		var req DiscoveryRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		kind, ok := registry.ParseKind(req.Kind)
		if !ok {
			return nil, bad("unknown discovery kind %q", req.Kind)
		}
		return nil, g.OnDiscovery(Discovery{
			Extension:   req.Extension,
			DisplayName: req.DisplayName,
			Kind:        kind,
			Item:        req.Item,
			Hint:        req.Hint,
			Origin:      req.Origin,
			Value:       req.Value,
		})

	case OpLanguage:
		var req LanguageRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		switch req.Phase {
		case "reload":
			g.LanguageReload()
		case "loaded":
			g.LanguageLoaded()
		default:
			return nil, bad("unknown language phase %q", req.Phase)
		}
		return nil, nil

	case OpConnect:
		var req ConnectRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		g.OnConnect(req.Remote)
		return nil, nil

	case OpDisconnect:
		g.OnDisconnect()
		return nil, nil

	case OpTick:
		return TickReply{Ran: g.Tick()}, nil

	case OpLogs:
		var req LogsRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.Lines <= 0 {
			req.Lines = 50
		}
		return g.engine.Logs.GetEntries(req.Lines), nil

	case OpStats:
		return g.Stats(), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, op)
	}
}

func decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return bad("decoding request: %v", err)
	}
	return nil
}

func (r OutgoingRequest) payload() (channels.Payload, error) {
	p := channels.Payload{Kind: channels.ParsePayloadKind(r.Kind)}
	if r.Channel != "" {
		ch, ok := registry.ParseChannel(r.Channel)
		if !ok {
			return p, bad("bad channel %q", r.Channel)
		}
		p.Channel = ch
	}
	for _, s := range r.Channels {
		ch, ok := registry.ParseChannel(s)
		if !ok {
			return p, bad("bad channel %q", s)
		}
		p.Channels = append(p.Channels, ch)
	}
	return p, nil
}

// ─── Client ─────────────────────────────────────────────────────────────────

// RemoteError is a failure reported by the serving instance.
type RemoteError struct {
	Op      string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Code)
}

// Is makes errors.Is(err, ErrUnknownRequest) hold for unknown_request replies.
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownRequest && e.Code == CodeUnknownRequest
}

// Client calls a running instance over its bridge.
type Client struct {
	nc      *nats.Conn
	owned   bool
	timeout time.Duration
}

// NewClient wraps an existing connection.
func NewClient(nc *nats.Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{nc: nc, timeout: timeout}
}

// Dial connects to the bus at url.
func Dial(url string, timeout time.Duration) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("veil-client"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	c := NewClient(nc, timeout)
	c.owned = true
	return c, nil
}

// Close closes the connection if Dial opened it.
func (c *Client) Close() {
	if c.owned {
		c.nc.Close()
	}
}

// Call sends req to op and decodes the result into resp (which may be nil).
func (c *Client) Call(ctx context.Context, op string, req, resp interface{}) error {
	var data []byte
	if req != nil {
		var err error
		if data, err = json.Marshal(req); err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, Subject(op), data)
	if err != nil {
		return fmt.Errorf("calling %s: %w", op, err)
	}
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("decoding %s reply: %w", op, err)
	}
	if env.Error != "" {
		return &RemoteError{Op: op, Code: env.Code, Message: env.Error}
	}
	if resp != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, resp); err != nil {
			return fmt.Errorf("decoding %s result: %w", op, err)
		}
	}
	return nil
}

// Transfer reports an inbound transfer request.
func (c *Client) Transfer(ctx context.Context, url, hash string) (trackpack.Verdict, error) {
	var v trackpack.Verdict
	err := c.Call(ctx, OpTransfer, TransferRequest{URL: url, Hash: hash}, &v)
	return v, err
}

// Resolve runs a resolution call with a host-side value.
func (c *Client) Resolve(ctx context.Context, req ResolveRequest) (resolution.Result, error) {
	var r resolution.Result
	err := c.Call(ctx, OpResolve, req, &r)
	return r, err
}

// Logs fetches recent log entries.
func (c *Client) Logs(ctx context.Context, lines int) ([]core.LogEntry, error) {
	var entries []core.LogEntry
	err := c.Call(ctx, OpLogs, LogsRequest{Lines: lines}, &entries)
	return entries, err
}

// Stats fetches component counters.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var stats map[string]interface{}
	err := c.Call(ctx, OpStats, nil, &stats)
	return stats, err
}
