package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/vietddude/failover/internal/core/domain"
)

// jsonCodec lets the gateway invoke the host's gRPC methods without
// generated stubs: both sides agree on JSON message bodies.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const sessionHostService = "/failover.host.v1.SessionHost"

// GRPCGateway talks to the host's session API over gRPC.
type GRPCGateway struct {
	endpoint string
	conn     *grpc.ClientConn
}

// NewGRPCGateway dials the host. TLS is inferred from the endpoint scheme.
func NewGRPCGateway(ctx context.Context, endpoint string) (*GRPCGateway, error) {
	target := endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(endpoint, "grpcs://") || strings.HasSuffix(endpoint, ":443") {
		creds := credentials.NewTLS(&tls.Config{})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		target = strings.TrimPrefix(target, "grpcs://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "grpc://")
	}

	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial grpc endpoint %s: %w", target, err)
	}

	return &GRPCGateway{endpoint: endpoint, conn: conn}, nil
}

type grpcSessionRequest struct {
	SessionID string               `json:"sessionID"`
	Parts     []domain.Part        `json:"parts,omitempty"`
	Model     domain.FallbackModel `json:"model,omitempty"`
}

// Abort cancels the in-flight request for a session.
func (g *GRPCGateway) Abort(ctx context.Context, sessionID string) error {
	var resp struct{}
	return g.invoke(ctx, "Abort", grpcSessionRequest{SessionID: sessionID}, &resp)
}

// Messages fetches the session's message history.
func (g *GRPCGateway) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var resp messagesResponse
	if err := g.invoke(ctx, "Messages", grpcSessionRequest{SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Resend re-issues the given parts against the session with a new model.
func (g *GRPCGateway) Resend(ctx context.Context, sessionID string, parts []domain.Part, model domain.FallbackModel) error {
	var resp struct{}
	req := grpcSessionRequest{SessionID: sessionID, Parts: parts, Model: model}
	return g.invoke(ctx, "Resend", req, &resp)
}

func (g *GRPCGateway) invoke(ctx context.Context, method string, req, resp any) error {
	full := sessionHostService + "/" + method
	if err := g.conn.Invoke(ctx, full, req, resp); err != nil {
		return fmt.Errorf("grpc %s: %w", method, err)
	}
	return nil
}

// Close cleans up the connection.
func (g *GRPCGateway) Close() error {
	return g.conn.Close()
}
