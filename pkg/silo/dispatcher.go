package silo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/granary-io/granary/pkg/catalog"
	"github.com/granary-io/granary/pkg/scheduler"
	"github.com/granary-io/granary/pkg/types"
)

// Runtime-internal grain types served by the silo itself, without an
// activation.
const (
	dirGrainType    = "sys.directory"
	loadGrainType   = "sys.load"
	statusGrainType = "sys.status"
)

// deliverLocal is the router's local delivery hook. It resolves the
// message's activation and posts the turn onto its scheduler group.
// A non-zero forward address means a registration race was lost and
// the message must be re-routed to the winner.
func (s *Silo) deliverLocal(msg *types.Message) (types.ActivationAddress, error) {
	switch msg.TargetGrain.Type {
	case dirGrainType:
		return types.ActivationAddress{}, s.serveDirectory(msg)
	case loadGrainType:
		return types.ActivationAddress{}, s.loads.receive(msg)
	case statusGrainType:
		return types.ActivationAddress{}, s.serveStatus(msg)
	}

	ctx, cancel := msgContext(msg)
	defer cancel()

	act, winner, err := s.cat.GetOrCreate(ctx, msg.TargetGrain)
	if err != nil {
		return types.ActivationAddress{}, err
	}
	if act == nil {
		return winner, nil
	}
	if msg.TargetAct != "" && msg.TargetAct != act.Address.Activation {
		return types.ActivationAddress{}, fmt.Errorf("activation %s superseded by %s: %w",
			msg.TargetAct, act.Address.Activation, types.ErrStaleActivation)
	}

	act.Touch()
	return types.ActivationAddress{}, act.Group.Post(&scheduler.Item{
		Msg: msg,
		Run: func() { s.invoke(act, msg) },
	})
}

// turnRef identifies the in-flight turn a context belongs to. Nested
// grain calls made from the turn join its call chain and park the
// activation's group while they await, instead of pinning a worker.
type turnRef struct {
	msg   *types.Message
	group *scheduler.Group
	grain types.GrainID
}

type turnKey struct{}

func withTurn(ctx context.Context, act *catalog.Activation, msg *types.Message) context.Context {
	return context.WithValue(ctx, turnKey{}, &turnRef{
		msg:   msg,
		group: act.Group,
		grain: act.Address.Grain,
	})
}

func turnFrom(ctx context.Context) (*turnRef, bool) {
	t, ok := ctx.Value(turnKey{}).(*turnRef)
	return t, ok
}

// invoke runs one turn on the activation's group: decode the
// invocation, call the grain, send the outcome back.
func (s *Silo) invoke(act *catalog.Activation, msg *types.Message) {
	ctx, cancel := msgContext(msg)
	defer cancel()
	ctx = withTurn(ctx, act, msg)

	var inv types.Invocation
	if err := json.Unmarshal(msg.Body, &inv); err != nil {
		if msg.Direction == types.DirectionRequest {
			s.rtr.Reject(msg, types.RejectionUnrecoverable, "malformed invocation body")
		}
		return
	}

	payload, err := act.Grain.Invoke(ctx, inv.Method, inv.Args)
	if err != nil && errors.Is(err, types.ErrInconsistentState) {
		// The grain's view of its state diverged from storage. Only the
		// activation that observed the mismatch is torn down.
		go s.cat.Deactivate(context.Background(), act.Address, types.DeactivationInconsistentState)
	}

	if msg.Direction != types.DirectionRequest {
		if err != nil {
			s.logger.Debug().
				Str("grain", act.Address.Grain.String()).
				Str("method", inv.Method).
				Err(err).
				Msg("one-way invocation failed")
		}
		return
	}
	if err != nil {
		s.rtr.SendResponse(msg, &types.Response{AppError: err.Error()}, nil)
		return
	}
	s.rtr.SendResponse(msg, &types.Response{Payload: payload}, nil)
}

// msgContext derives a context from the message's expiry.
func msgContext(msg *types.Message) (context.Context, context.CancelFunc) {
	if msg.Expiry.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), msg.Expiry)
}

// Directory partition protocol. Each silo serves the partition rows it
// owns under the sys.directory grain type; peers call the three
// operations remotely when the ring says another silo owns the grain.
const (
	dirOpRegister   = "register"
	dirOpUnregister = "unregister"
	dirOpLookup     = "lookup"
)

type dirRequest struct {
	Op    string                  `json:"op"`
	Addr  types.ActivationAddress `json:"addr,omitempty"`
	Grain types.GrainID           `json:"grain,omitempty"`
}

type dirResponse struct {
	Addr  types.ActivationAddress `json:"addr,omitempty"`
	Found bool                    `json:"found,omitempty"`
}

func (s *Silo) serveDirectory(msg *types.Message) error {
	var req dirRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return fmt.Errorf("directory request: %w", err)
	}

	var out dirResponse
	switch req.Op {
	case dirOpRegister:
		out.Addr = s.dir.RegisterLocal(req.Addr)
		out.Found = true
	case dirOpUnregister:
		s.dir.UnregisterLocal(req.Addr)
	case dirOpLookup:
		out.Addr, out.Found = s.dir.LookupLocal(req.Grain)
	default:
		return fmt.Errorf("directory op %q: %w", req.Op, types.ErrUnsupportedRequest)
	}

	if msg.Direction == types.DirectionRequest {
		payload, err := json.Marshal(out)
		if err != nil {
			return err
		}
		s.rtr.SendResponse(msg, &types.Response{Payload: payload}, nil)
	}
	return nil
}

// ClusterStatus is the answer to a sys.status query: the membership
// table as this silo sees it, plus its own activation count.
type ClusterStatus struct {
	Silo         string         `json:"silo"`
	ClusterID    string         `json:"cluster_id"`
	TableVersion int            `json:"table_version"`
	Activations  int            `json:"activations"`
	Members      []MemberStatus `json:"members"`
}

// MemberStatus is one membership table row, flattened for clients.
type MemberStatus struct {
	Silo     string `json:"silo"`
	Status   string `json:"status"`
	HostName string `json:"hostname,omitempty"`
}

func (s *Silo) serveStatus(msg *types.Message) error {
	if msg.Direction != types.DirectionRequest {
		return nil
	}
	table := s.oracle.Snapshot()
	status := ClusterStatus{
		Silo:         s.self.String(),
		ClusterID:    s.cfg.ClusterID,
		TableVersion: table.Version.Version,
		Activations:  s.cat.Count(),
	}
	for _, row := range table.Rows {
		if row.Entry == nil {
			continue
		}
		status.Members = append(status.Members, MemberStatus{
			Silo:     row.Entry.Silo.String(),
			Status:   row.Entry.Status.String(),
			HostName: row.Entry.HostName,
		})
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	s.rtr.SendResponse(msg, &types.Response{Payload: payload}, nil)
	return nil
}
