package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a remote bridge server.
type Client struct {
	call    *connect.Client[CallRequest, CallResponse]
	create  *connect.Client[NewRequest, CallResponse]
	invoke  *connect.Client[InvokeRequest, CallResponse]
	release *connect.Client[ReleaseRequest, ReleaseResponse]
	types   *connect.Client[TypesRequest, TypesResponse]
}

// NewClient creates a client for the server at baseURL. The CBOR codec is
// always installed.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(Codec())}, opts...)
	return &Client{
		call:    connect.NewClient[CallRequest, CallResponse](httpClient, baseURL+CallProcedure, opts...),
		create:  connect.NewClient[NewRequest, CallResponse](httpClient, baseURL+NewProcedure, opts...),
		invoke:  connect.NewClient[InvokeRequest, CallResponse](httpClient, baseURL+InvokeProcedure, opts...),
		release: connect.NewClient[ReleaseRequest, ReleaseResponse](httpClient, baseURL+ReleaseProcedure, opts...),
		types:   connect.NewClient[TypesRequest, TypesResponse](httpClient, baseURL+TypesProcedure, opts...),
	}
}

// Call invokes a static method, or an instance method when req.Receiver is
// set.
func (c *Client) Call(ctx context.Context, req *CallRequest) (*CallResponse, error) {
	return unary(ctx, c.call, req)
}

// New constructs an instance.
func (c *Client) New(ctx context.Context, req *NewRequest) (*CallResponse, error) {
	return unary(ctx, c.create, req)
}

// Invoke calls a function handle.
func (c *Client) Invoke(ctx context.Context, req *InvokeRequest) (*CallResponse, error) {
	return unary(ctx, c.invoke, req)
}

// Release frees server handles.
func (c *Client) Release(ctx context.Context, ids ...string) (*ReleaseResponse, error) {
	return unary(ctx, c.release, &ReleaseRequest{Handles: ids})
}

// Types lists the remote module's classes.
func (c *Client) Types(ctx context.Context) (*TypesResponse, error) {
	return unary(ctx, c.types, &TypesRequest{})
}

func unary[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
