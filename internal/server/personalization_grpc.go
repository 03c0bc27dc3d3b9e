package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/knoguchi/adaptive/internal/service"
)

// PersonalizationServiceName is the fully qualified gRPC service name.
const PersonalizationServiceName = "adaptive.v1.Personalization"

// Messages are carried as google.protobuf.Struct whose fields mirror the JSON
// bodies of the HTTP API.
const (
	methodAdaptiveQuery  = "AdaptiveQuery"
	methodSubmitFeedback = "SubmitFeedback"
	methodGetProfile     = "GetProfile"
	methodListFeedback   = "ListFeedback"
)

// PersonalizationServer is the server API for the personalization service.
type PersonalizationServer interface {
	AdaptiveQuery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitFeedback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProfile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFeedback(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPersonalizationServer registers srv on s.
func RegisterPersonalizationServer(s grpc.ServiceRegistrar, srv PersonalizationServer) {
	s.RegisterService(&personalizationServiceDesc, srv)
}

var personalizationServiceDesc = grpc.ServiceDesc{
	ServiceName: PersonalizationServiceName,
	HandlerType: (*PersonalizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodAdaptiveQuery, Handler: structHandler(methodAdaptiveQuery, PersonalizationServer.AdaptiveQuery)},
		{MethodName: methodSubmitFeedback, Handler: structHandler(methodSubmitFeedback, PersonalizationServer.SubmitFeedback)},
		{MethodName: methodGetProfile, Handler: structHandler(methodGetProfile, PersonalizationServer.GetProfile)},
		{MethodName: methodListFeedback, Handler: structHandler(methodListFeedback, PersonalizationServer.ListFeedback)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "adaptive/v1/personalization.proto",
}

type structMethod func(PersonalizationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(name string, call structMethod) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + PersonalizationServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PersonalizationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(PersonalizationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// PersonalizationHandler adapts service.Service to PersonalizationServer.
type PersonalizationHandler struct {
	svc *service.Service
}

var _ PersonalizationServer = (*PersonalizationHandler)(nil)

// NewPersonalizationHandler creates a gRPC handler for svc.
func NewPersonalizationHandler(svc *service.Service) *PersonalizationHandler {
	return &PersonalizationHandler{svc: svc}
}

// AdaptiveQuery runs one personalization pipeline.
func (h *PersonalizationHandler) AdaptiveQuery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.QueryRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := h.svc.Query(ctx, &req)
	if err != nil {
		return nil, service.GRPCError(err)
	}
	return toStruct(resp)
}

// SubmitFeedback applies one emoji feedback event.
func (h *PersonalizationHandler) SubmitFeedback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.FeedbackRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := h.svc.SubmitFeedback(ctx, &req)
	if err != nil {
		return nil, service.GRPCError(err)
	}
	return toStruct(resp)
}

// GetProfile returns a learner profile.
func (h *PersonalizationHandler) GetProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		LearnerID string `json:"learner_id"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	p, err := h.svc.Profile(ctx, req.LearnerID)
	if err != nil {
		return nil, service.GRPCError(err)
	}
	return toStruct(p)
}

// ListFeedback returns a learner's feedback history, newest first.
func (h *PersonalizationHandler) ListFeedback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		LearnerID string `json:"learner_id"`
		Limit     int    `json:"limit"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	events, err := h.svc.FeedbackHistory(ctx, req.LearnerID, req.Limit)
	if err != nil {
		return nil, service.GRPCError(err)
	}
	return toStruct(map[string]interface{}{"events": events})
}

func fromStruct(in *structpb.Struct, dst interface{}) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read request: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// Client calls the personalization service over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with a JSON-shaped request and decodes the reply into out.
func (c *Client) Call(ctx context.Context, method string, req, out interface{}) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+PersonalizationServiceName+"/"+method, in, reply); err != nil {
		return err
	}
	raw, err := protojson.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Query runs an adaptive query.
func (c *Client) Query(ctx context.Context, req *service.QueryRequest) (*service.QueryResponse, error) {
	var resp service.QueryResponse
	if err := c.Call(ctx, methodAdaptiveQuery, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitFeedback sends one feedback event.
func (c *Client) SubmitFeedback(ctx context.Context, req *service.FeedbackRequest) (*service.FeedbackResponse, error) {
	var resp service.FeedbackResponse
	if err := c.Call(ctx, methodSubmitFeedback, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Profile fetches a learner profile as a generic map.
func (c *Client) Profile(ctx context.Context, learnerID string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	err := c.Call(ctx, methodGetProfile, map[string]string{"learner_id": learnerID}, &out)
	return out, err
}

// FeedbackHistory lists feedback events as generic maps.
func (c *Client) FeedbackHistory(ctx context.Context, learnerID string, limit int) ([]map[string]interface{}, error) {
	var out struct {
		Events []map[string]interface{} `json:"events"`
	}
	err := c.Call(ctx, methodListFeedback, map[string]interface{}{"learner_id": learnerID, "limit": limit}, &out)
	return out.Events, err
}
