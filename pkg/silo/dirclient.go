package silo

import (
	"context"
	"encoding/json"

	"github.com/granary-io/granary/pkg/types"
)

// dirClient carries directory partition operations to their owning
// silo over the message plane. The target is pinned to the owner:
// directory traffic never goes through placement, because placement
// itself depends on the directory.
type dirClient struct {
	s *Silo
}

func (c *dirClient) Register(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) (types.ActivationAddress, error) {
	out, err := c.call(ctx, owner, dirRequest{Op: dirOpRegister, Addr: addr})
	if err != nil {
		return types.ActivationAddress{}, err
	}
	return out.Addr, nil
}

func (c *dirClient) Unregister(ctx context.Context, owner types.SiloAddress, addr types.ActivationAddress) error {
	_, err := c.call(ctx, owner, dirRequest{Op: dirOpUnregister, Addr: addr})
	return err
}

func (c *dirClient) Lookup(ctx context.Context, owner types.SiloAddress, grain types.GrainID) (types.ActivationAddress, bool, error) {
	out, err := c.call(ctx, owner, dirRequest{Op: dirOpLookup, Grain: grain})
	if err != nil {
		return types.ActivationAddress{}, false, err
	}
	return out.Addr, out.Found, nil
}

func (c *dirClient) call(ctx context.Context, owner types.SiloAddress, req dirRequest) (*dirResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	msg := &types.Message{
		SendingGrain: types.SystemGrain(dirGrainType, c.s.self),
		TargetGrain:  types.SystemGrain(dirGrainType, owner),
		TargetSilo:   owner,
		Body:         body,
	}

	ch := make(chan callOutcome, 1)
	c.s.rtr.SendRequest(ctx, msg, func(resp *types.Response, err error) {
		ch <- callOutcome{resp: resp, err: err}
	})

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		var decoded dirResponse
		if err := json.Unmarshal(out.resp.Payload, &decoded); err != nil {
			return nil, err
		}
		return &decoded, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
