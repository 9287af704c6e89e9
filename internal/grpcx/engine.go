// Package grpcx is the gRPC connection engine: it resolves a method
// descriptor from proto sources, opens a connection, dispatches one of the
// four streaming shapes, relays caller messages into the open stream, and
// persists an ordered event log plus one terminal connection record.
package grpcx

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"courier/internal/cancel"
	"courier/internal/model"
	"courier/internal/relay"
	"courier/internal/render"
	"courier/internal/storage"
)

// relayCapacity bounds the outbound message channel per connection.
const relayCapacity = 16

// Engine runs gRPC connections. One Engine serves many concurrent
// connections; each connection is fully independent.
type Engine struct {
	Store *storage.Store
	Hub   *relay.Hub
}

// Run creates the pending connection record and starts the exchange in the
// background, returning the connection id immediately. Everything that
// happens afterwards is observable through the event log and the terminal
// connection update. The returned error is reserved for persistence failures
// creating the pending record.
func (e *Engine) Run(ctx context.Context, req *model.GrpcRequest, env *model.Environment, protoFiles []string) (string, error) {
	vars := render.Vars(env)

	url := render.Render(req.URL, vars)
	md := buildMetadata(req.Metadata, req.Auth, vars)
	message := render.Render(req.Message, vars)
	if message == "" {
		message = "{}"
	}

	conn, err := e.Store.UpsertConnection(&model.GrpcConnection{
		WorkspaceID: req.WorkspaceID,
		RequestID:   req.ID,
		Service:     req.Service,
		Method:      req.Method,
		URL:         url,
		Status:      model.StatusPending,
		Elapsed:     model.ElapsedPending,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create connection: %w", err)
	}

	r := &run{
		engine: e,
		conn:   conn,
		base: model.GrpcEvent{
			WorkspaceID:  req.WorkspaceID,
			RequestID:    req.ID,
			ConnectionID: conn.ID,
			Status:       model.StatusPending,
		},
		sig:  cancel.New(),
		term: cancel.New(),
		in:   make(chan *dynamicpb.Message, relayCapacity),
	}

	start := time.Now()

	desc, err := e.resolveMethod(ctx, req.Service, req.Method, protoFiles)
	if err != nil {
		r.event(model.GrpcEvent{
			Type:    model.EventConnectionEnd,
			Content: "Failed to connect",
			Status:  int(codes.Unknown),
			Error:   err.Error(),
		})
		e.finalize(conn, start, int(codes.Unknown), err.Error())
		return conn.ID, nil
	}
	r.desc = desc

	cc, err := grpc.NewClient(dialTarget(url), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		r.event(model.GrpcEvent{
			Type:    model.EventConnectionEnd,
			Content: "Failed to connect",
			Status:  int(codes.Unknown),
			Error:   err.Error(),
		})
		e.finalize(conn, start, int(codes.Unknown), err.Error())
		return conn.ID, nil
	}

	unsub := e.Hub.Subscribe(conn.ID, r.handleRelay)

	r.event(model.GrpcEvent{
		Type:     model.EventConnectionStart,
		Content:  fmt.Sprintf("Connecting to %s", url),
		Metadata: md,
	})

	callCtx, cancelCall := context.WithCancel(context.WithoutCancel(ctx))

	open := func(ctx context.Context) (clientStream, error) {
		ctx = metadata.NewOutgoingContext(ctx, toMD(md))
		return cc.NewStream(ctx, &grpc.StreamDesc{
			StreamName:    req.Method,
			ClientStreams: desc.IsStreamingClient(),
			ServerStreams: desc.IsStreamingServer(),
		}, fmt.Sprintf("/%s/%s", req.Service, req.Method))
	}

	go func() {
		defer cc.Close()
		defer unsub()
		defer cancelCall()

		exchangeDone := make(chan struct{})
		go func() {
			defer close(exchangeDone)
			r.exchange(callCtx, open, message)
		}()

		select {
		case <-exchangeDone:
			status := e.lastEndStatus(conn.ID)
			e.finalize(conn, start, status, "")
		case <-r.sig.Done():
			// The exchange is raced, not killed: it may keep running in the
			// background, but term suppresses any further event writes.
			r.term.Trip()
			cancelCall()
			e.insertEvent(model.GrpcEvent{
				WorkspaceID:  conn.WorkspaceID,
				RequestID:    conn.RequestID,
				ConnectionID: conn.ID,
				Type:         model.EventConnectionEnd,
				Content:      "Cancelled",
				Status:       int(codes.Canceled),
			})
			e.finalize(conn, start, int(codes.Canceled), "")
		}
		r.term.Trip()
		r.closeIn()
	}()

	return conn.ID, nil
}

func (e *Engine) resolveMethod(ctx context.Context, service, method string, protoFiles []string) (protoreflect.MethodDescriptor, error) {
	if service == "" || method == "" {
		return nil, fmt.Errorf("service and method are required")
	}
	files, err := compileProtos(ctx, protoFiles)
	if err != nil {
		return nil, err
	}
	return findMethod(files, service, method)
}

// lastEndStatus derives the terminal status from the most recent
// ConnectionEnd event. Not finding one is a defect; fall back to Unavailable.
func (e *Engine) lastEndStatus(connectionID string) int {
	events, err := e.Store.ListEvents(connectionID)
	if err != nil {
		slog.Error("failed to list events", "connection", connectionID, "error", err)
		return int(codes.Unavailable)
	}
	status := int(codes.Unavailable)
	for _, ev := range events {
		if ev.Type == model.EventConnectionEnd && ev.Status >= 0 {
			status = ev.Status
		}
	}
	return status
}

// finalize writes the connection's single terminal update.
func (e *Engine) finalize(conn *model.GrpcConnection, start time.Time, status int, errMsg string) {
	conn.Elapsed = time.Since(start).Milliseconds()
	conn.Status = status
	conn.Error = errMsg
	if _, err := e.Store.UpsertConnection(conn); err != nil {
		slog.Error("failed to update connection", "connection", conn.ID, "error", err)
	}
}

func (e *Engine) insertEvent(ev model.GrpcEvent) {
	if _, err := e.Store.InsertEvent(&ev); err != nil {
		slog.Error("failed to insert event", "connection", ev.ConnectionID, "error", err)
	}
}

// run is the per-connection state shared between the relay handler, the
// exchange goroutine and the finalizer.
type run struct {
	engine *Engine
	conn   *model.GrpcConnection
	base   model.GrpcEvent
	desc   protoreflect.MethodDescriptor

	// sig is the connection's cancellation signal; term latches once the
	// connection is terminal and suppresses any further event writes.
	sig  *cancel.Signal
	term *cancel.Signal

	in        chan *dynamicpb.Message
	sendMu    sync.Mutex
	committed bool
}

// event appends one event to the log unless the connection already went
// terminal.
func (r *run) event(ev model.GrpcEvent) {
	if r.term.Cancelled() {
		return
	}
	ev.WorkspaceID = r.base.WorkspaceID
	ev.RequestID = r.base.RequestID
	ev.ConnectionID = r.base.ConnectionID
	if ev.Status == 0 && ev.Type != model.EventConnectionEnd {
		ev.Status = model.StatusPending
	}
	r.engine.insertEvent(ev)
}

// handleRelay consumes one caller-originated control signal.
func (r *run) handleRelay(m relay.Msg) {
	if r.sig.Cancelled() || r.term.Cancelled() {
		return
	}

	switch m.Kind {
	case relay.KindCancel:
		r.sig.Trip()

	case relay.KindCommit:
		r.closeIn()

	case relay.KindMessage:
		// The raw content is logged whether or not it parses.
		r.event(model.GrpcEvent{Type: model.EventClientMessage, Content: m.Payload})

		msg := dynamicpb.NewMessage(r.desc.Input())
		if err := unmarshalMessage(m.Payload, msg); err != nil {
			// Scoped to this message only; the connection stays up.
			r.event(model.GrpcEvent{Type: model.EventError, Content: err.Error()})
			return
		}

		r.sendMu.Lock()
		if r.committed {
			r.sendMu.Unlock()
			return
		}
		select {
		case r.in <- msg:
			r.sendMu.Unlock()
		default:
			r.sendMu.Unlock()
			// Bounded relay: block until the stream drains a slot or the
			// connection terminates.
			select {
			case r.in <- msg:
			case <-r.term.Done():
			case <-r.sig.Done():
			}
		}
	}
}

// closeIn closes the outbound half exactly once.
func (r *run) closeIn() {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if !r.committed {
		r.committed = true
		close(r.in)
	}
}

// buildMetadata renders enabled metadata entries and applies auth, HTTP-style.
func buildMetadata(entries []model.Header, auth model.Auth, vars map[string]string) map[string]string {
	md := make(map[string]string)
	for _, h := range entries {
		if h.Name == "" && h.Value == "" {
			continue
		}
		if !h.Enabled {
			continue
		}
		md[render.Render(h.Name, vars)] = render.Render(h.Value, vars)
	}

	switch auth.Kind {
	case model.AuthBasic:
		username := render.Render(auth.Username, vars)
		password := render.Render(auth.Password, vars)
		encoded := base64.StdEncoding.WithPadding(base64.NoPadding).
			EncodeToString([]byte(username + ":" + password))
		md["Authorization"] = "Basic " + encoded
	case model.AuthBearer:
		md["Authorization"] = "Bearer " + render.Render(auth.Token, vars)
	case model.AuthNone:
	}
	return md
}

// dialTarget strips any URL scheme; gRPC targets are host:port.
func dialTarget(url string) string {
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimPrefix(url, "https://")
	return strings.TrimSuffix(url, "/")
}

func toMD(m map[string]string) metadata.MD {
	md := metadata.MD{}
	for k, v := range m {
		md.Append(k, v)
	}
	return md
}

// fromMD flattens incoming metadata for event records.
func fromMD(md metadata.MD) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, vs := range md {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}
