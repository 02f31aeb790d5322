// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// sipAPI is the part of *lksdk.SIPClient used here.
type sipAPI interface {
	ListSIPOutboundTrunk(ctx context.Context, req *livekit.ListSIPOutboundTrunkRequest) (*livekit.ListSIPOutboundTrunkResponse, error)
	CreateSIPOutboundTrunk(ctx context.Context, req *livekit.CreateSIPOutboundTrunkRequest) (*livekit.SIPOutboundTrunkInfo, error)
	CreateSIPParticipant(ctx context.Context, req *livekit.CreateSIPParticipantRequest) (*livekit.SIPParticipantInfo, error)
}

// Trunk describes the SIP outbound trunk used to reach operators.
type Trunk struct {
	Address  string
	Numbers  []string
	Username string
	Password string
}

// NewSIPClient connects to the LiveKit SIP service at url.
func NewSIPClient(url, apiKey, apiSecret string) *lksdk.SIPClient {
	return lksdk.NewSIPClient(url, apiKey, apiSecret)
}

// TrunkResolver finds or creates the outbound trunk once and remembers
// its id.
type TrunkResolver struct {
	sip    sipAPI
	trunk  Trunk
	logger *slog.Logger

	mu sync.Mutex
	id string
}

// NewTrunkResolver returns a resolver for trunk. A nil logger discards.
func NewTrunkResolver(client sipAPI, trunk Trunk, logger *slog.Logger) *TrunkResolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TrunkResolver{sip: client, trunk: trunk, logger: logger}
}

// TrunkID returns the id of the outbound trunk whose address matches
// the configured one, creating the trunk when none does. A failed
// resolution is retried on the next call.
func (r *TrunkResolver) TrunkID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" {
		return r.id, nil
	}
	if r.trunk.Address == "" {
		return "", errors.New("roomservice: trunk address is not configured")
	}

	existing, err := r.sip.ListSIPOutboundTrunk(ctx, &livekit.ListSIPOutboundTrunkRequest{})
	if err != nil {
		r.logger.Warn("cannot list outbound trunks, creating one", "error", err)
	} else {
		for _, trunk := range existing.GetItems() {
			if trunk.GetAddress() == r.trunk.Address {
				r.id = trunk.GetSipTrunkId()
				r.logger.Info("reusing outbound trunk", "trunk_id", r.id)
				return r.id, nil
			}
		}
	}

	created, err := r.sip.CreateSIPOutboundTrunk(ctx, &livekit.CreateSIPOutboundTrunkRequest{
		Trunk: &livekit.SIPOutboundTrunkInfo{
			Name:         "Trunk-" + randomSuffix(6),
			Address:      r.trunk.Address,
			Numbers:      r.trunk.Numbers,
			AuthUsername: r.trunk.Username,
			AuthPassword: r.trunk.Password,
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating outbound trunk: %w", err)
	}
	r.id = created.GetSipTrunkId()
	r.logger.Info("created outbound trunk", "trunk_id", r.id, "name", created.GetName())
	return r.id, nil
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

// Dialer brings SIP extensions into rooms.
type Dialer struct {
	sip    sipAPI
	trunks *TrunkResolver
}

// NewDialer returns a Dialer that places calls over the resolver's
// trunk.
func NewDialer(client sipAPI, trunks *TrunkResolver) *Dialer {
	return &Dialer{sip: client, trunks: trunks}
}

// Dial calls extension and joins the call to room as participant
// sip-<extension>.
func (d *Dialer) Dial(ctx context.Context, room, extension string) error {
	trunkID, err := d.trunks.TrunkID(ctx)
	if err != nil {
		return err
	}
	_, err = d.sip.CreateSIPParticipant(ctx, &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          trunkID,
		SipCallTo:           extension,
		RoomName:            room,
		ParticipantIdentity: "sip-" + extension,
	})
	if err != nil {
		return fmt.Errorf("dialing %s into %s: %w", extension, room, err)
	}
	return nil
}
