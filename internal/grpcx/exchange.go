package grpcx

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"courier/internal/model"
)

// clientStream is the subset of grpc.ClientStream the exchange drives. It
// exists so the exchange loop can be tested against a fake transport.
type clientStream interface {
	Header() (metadata.MD, error)
	Trailer() metadata.MD
	SendMsg(m any) error
	RecvMsg(m any) error
	CloseSend() error
}

// exchange performs one call of whichever shape the method descriptor
// declares. It always terminates the event log with exactly one
// ConnectionEnd event (unless the terminal latch was tripped by the
// cancellation path first, in which case its writes are suppressed).
func (r *run) exchange(ctx context.Context, open func(context.Context) (clientStream, error), message string) {
	stream, err := open(ctx)
	if err != nil {
		r.endWithConnectError(err)
		return
	}

	if r.desc.IsStreamingClient() {
		go r.sendLoop(stream)
	} else {
		// One request message, logged before anything can arrive back.
		r.event(model.GrpcEvent{Type: model.EventClientMessage, Content: message})

		msg := dynamicpb.NewMessage(r.desc.Input())
		if err := unmarshalMessage(message, msg); err != nil {
			r.endWithConnectError(err)
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			r.endWithConnectError(err)
			return
		}
		if err := stream.CloseSend(); err != nil {
			r.endWithConnectError(err)
			return
		}
	}

	// Blocks until the server responds with initial metadata.
	header, err := stream.Header()
	if err != nil {
		r.endWithConnectError(err)
		return
	}

	content := "Received response"
	if len(header) > 0 {
		content = "Received response with metadata"
	}
	r.event(model.GrpcEvent{
		Type:     model.EventInfo,
		Content:  content,
		Metadata: fromMD(header),
	})

	if r.desc.IsStreamingServer() {
		r.recvLoop(stream)
		return
	}

	// Single response message.
	out := dynamicpb.NewMessage(r.desc.Output())
	if err := stream.RecvMsg(out); err != nil {
		r.endWithConnectError(err)
		return
	}
	r.event(model.GrpcEvent{Type: model.EventServerMessage, Content: marshalMessage(out)})

	r.event(model.GrpcEvent{
		Type:    model.EventConnectionEnd,
		Content: "Connection complete",
		Status:  int(codes.OK),
	})
}

// sendLoop drains the caller-message relay into the stream's outbound half.
// The channel closing is the commit signal. Send failures are left for the
// receive path to report.
func (r *run) sendLoop(stream clientStream) {
	for msg := range r.in {
		if err := stream.SendMsg(msg); err != nil {
			return
		}
	}
	_ = stream.CloseSend()
}

// recvLoop reads server messages until the stream ends, then records the
// terminal event. A stream that closes without an explicit status defaults
// to Unavailable.
func (r *run) recvLoop(stream clientStream) {
	for {
		out := dynamicpb.NewMessage(r.desc.Output())
		err := stream.RecvMsg(out)
		if err == nil {
			r.event(model.GrpcEvent{Type: model.EventServerMessage, Content: marshalMessage(out)})
			continue
		}

		if errors.Is(err, io.EOF) {
			r.event(model.GrpcEvent{
				Type:     model.EventConnectionEnd,
				Content:  "Connection complete",
				Status:   int(codes.Unavailable),
				Metadata: fromMD(stream.Trailer()),
			})
			return
		}

		st := status.Convert(err)
		r.event(model.GrpcEvent{
			Type:     model.EventConnectionEnd,
			Content:  st.Message(),
			Status:   int(st.Code()),
			Metadata: fromMD(stream.Trailer()),
			Error:    st.Message(),
		})
		return
	}
}

// endWithConnectError records the terminal event for a failure to establish
// or complete the call itself.
func (r *run) endWithConnectError(err error) {
	st, ok := status.FromError(err)
	if !ok {
		r.event(model.GrpcEvent{
			Type:    model.EventConnectionEnd,
			Content: "Failed to connect",
			Status:  int(codes.Unknown),
			Error:   err.Error(),
		})
		return
	}
	r.event(model.GrpcEvent{
		Type:    model.EventConnectionEnd,
		Content: "Failed to connect",
		Status:  int(st.Code()),
		Error:   st.Message(),
	})
}

func unmarshalMessage(data string, msg *dynamicpb.Message) error {
	return protojson.Unmarshal([]byte(data), msg)
}

func marshalMessage(msg proto.Message) string {
	b, err := protojson.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(b)
}
