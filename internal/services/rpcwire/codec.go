package rpcwire

import (
	"encoding/json"
	"net/rpc"
)

type serverCodec struct {
	conn *Conn
	body []byte
}

// NewServerCodec returns an rpc.ServerCodec reading requests from conn.
func NewServerCodec(conn *Conn) rpc.ServerCodec {
	return &serverCodec{conn: conn}
}

func (c *serverCodec) ReadRequestHeader(r *rpc.Request) error {
	f, body, err := c.conn.readFrame()
	if err != nil {
		return err
	}
	r.ServiceMethod = f.Method
	r.Seq = f.Seq
	c.body = body
	return nil
}

func (c *serverCodec) ReadRequestBody(x any) error {
	return decodeBody(&c.body, x)
}

func (c *serverCodec) WriteResponse(r *rpc.Response, x any) error {
	return c.conn.writeFrame(frame{Seq: r.Seq, Method: r.ServiceMethod, Error: r.Error}, x)
}

func (c *serverCodec) Close() error {
	return c.conn.Close()
}

type clientCodec struct {
	conn *Conn
	body []byte
}

// NewClientCodec returns an rpc.ClientCodec writing requests to conn.
func NewClientCodec(conn *Conn) rpc.ClientCodec {
	return &clientCodec{conn: conn}
}

func (c *clientCodec) WriteRequest(r *rpc.Request, x any) error {
	return c.conn.writeFrame(frame{Seq: r.Seq, Method: r.ServiceMethod}, x)
}

func (c *clientCodec) ReadResponseHeader(r *rpc.Response) error {
	f, body, err := c.conn.readFrame()
	if err != nil {
		return err
	}
	r.ServiceMethod = f.Method
	r.Seq = f.Seq
	r.Error = f.Error
	c.body = body
	return nil
}

func (c *clientCodec) ReadResponseBody(x any) error {
	return decodeBody(&c.body, x)
}

func (c *clientCodec) Close() error {
	return c.conn.Close()
}

func decodeBody(pending *[]byte, x any) error {
	body := *pending
	*pending = nil
	if x == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, x)
}
