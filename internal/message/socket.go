package message

import "context"

// ServerSocket is the server side of one request/response exchange. The
// HTTP/1 socket and the HTTP/2 stream handler both implement it.
type ServerSocket interface {
	Version() Version
	// ReadRequest advances the read by one step and returns a snapshot.
	ReadRequest(ctx context.Context) (*Request, error)
	ReadUntilHeadComplete(ctx context.Context) (*Request, error)
	ReadUntilComplete(ctx context.Context) (*Request, error)
	// Request returns a snapshot of what has been read so far.
	Request() *Request

	SetStatus(code int, reason string) error
	SetHeader(name, value string) error
	AddHeader(name, value string) error
	DelHeader(name string) error

	Write(ctx context.Context, p []byte) error
	Flush(ctx context.Context) error
	// Close writes final, finishes the message and ends the write side.
	Close(ctx context.Context, final []byte) error
}

// ClientRequest is the client side of one exchange.
type ClientRequest interface {
	Version() Version
	SetMethod(m Method) error
	SetMethodText(method string) error
	SetPath(path string) error
	SetAuthority(authority string) error

	SetHeader(name, value string) error
	AddHeader(name, value string) error
	DelHeader(name string) error

	Write(ctx context.Context, p []byte) error
	Flush(ctx context.Context) error
	// Send writes final and finishes the request body.
	Send(ctx context.Context, final []byte) error

	ReadResponse(ctx context.Context) (*Response, error)
	ReadUntilHeadComplete(ctx context.Context) (*Response, error)
	ReadUntilComplete(ctx context.Context) (*Response, error)
	Response() *Response
}
