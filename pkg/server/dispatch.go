package server

import (
	"context"
	"fmt"
	"strings"

	"rdeer/pkg/protocol"
	"rdeer/pkg/registry"
)

// Registry is the set of operations the dispatcher exposes to clients.
// *registry.Registry implements it.
type Registry interface {
	List() []registry.Info
	Status(name string) (protocol.Status, error)
	Start(ctx context.Context, name string) (registry.Info, error)
	Stop(ctx context.Context, name string) error
	Kill(ctx context.Context, name string) error
	Query(ctx context.Context, name string, q registry.QueryRequest) (string, error)
	Check(ctx context.Context, name string) error
}

// Handle validates and executes one request. Every failure is folded into
// an error response; Handle never returns a Go error.
func (s *Server) Handle(ctx context.Context, req *protocol.Request) protocol.Response {
	if err := protocol.CheckVersion(req.Version, s.version); err != nil {
		return protocol.ErrorResponse(req.Type, req.ReqID, err)
	}
	op, err := protocol.ParseOp(req.Type)
	if err != nil {
		return protocol.ErrorResponse(req.Type, req.ReqID, err)
	}
	if op.NeedsIndex() && strings.TrimSpace(req.Index) == "" {
		return protocol.ErrorResponse(req.Type, req.ReqID, &protocol.BadRequestError{Reason: "missing index"})
	}

	data, err := s.dispatch(ctx, op, req)
	if err != nil {
		return protocol.ErrorResponse(req.Type, req.ReqID, err)
	}
	resp, err := protocol.SuccessResponse(req.Type, req.ReqID, data)
	if err != nil {
		return protocol.ErrorResponse(req.Type, req.ReqID, err)
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, op protocol.Op, req *protocol.Request) (any, error) {
	switch op {
	case protocol.OpList:
		infos := s.reg.List()
		out := make([]protocol.IndexInfo, 0, len(infos))
		for _, info := range infos {
			out = append(out, info.Wire())
		}
		return out, nil

	case protocol.OpStatus:
		st, err := s.reg.Status(req.Index)
		if err != nil {
			return nil, err
		}
		return string(st), nil

	case protocol.OpStart:
		info, err := s.reg.Start(ctx, req.Index)
		if err != nil {
			return nil, err
		}
		return info.Wire(), nil

	case protocol.OpStop:
		if err := s.reg.Stop(ctx, req.Index); err != nil {
			return nil, err
		}
		return fmt.Sprintf("Index %q stopped.", req.Index), nil

	case protocol.OpKill:
		if err := s.reg.Kill(ctx, req.Index); err != nil {
			return nil, err
		}
		return fmt.Sprintf("Index %q killed.", req.Index), nil

	case protocol.OpCheck:
		if err := s.reg.Check(ctx, req.Index); err != nil {
			return nil, err
		}
		return req.Index + " responds to queries", nil

	case protocol.OpQuery:
		if strings.TrimSpace(req.Query) == "" {
			return nil, &protocol.BadRequestError{Reason: "empty query"}
		}
		return s.reg.Query(ctx, req.Index, registry.QueryRequest{
			Query:     req.Query,
			Threshold: req.Threshold,
			Format:    req.Format,
		})
	}
	return nil, &protocol.UnknownOpError{Op: string(op)}
}
