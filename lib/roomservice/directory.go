// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package roomservice

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// roomLister is the part of *lksdk.RoomServiceClient the directory
// uses.
type roomLister interface {
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
}

// Directory lists the live rooms whose names carry a prefix.
type Directory struct {
	rooms   roomLister
	prefix  string
	timeout time.Duration
}

// NewDirectory connects a Directory to the LiveKit server at url.
func NewDirectory(url, apiKey, apiSecret, prefix string, timeout time.Duration) *Directory {
	return &Directory{
		rooms:   lksdk.NewRoomServiceClient(url, apiKey, apiSecret),
		prefix:  prefix,
		timeout: timeout,
	}
}

// ListActiveRooms returns the names of live rooms with the managed
// prefix, sorted.
func (d *Directory) ListActiveRooms(ctx context.Context) ([]string, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	response, err := d.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	var names []string
	for _, room := range response.GetRooms() {
		if name := room.GetName(); strings.HasPrefix(name, d.prefix) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}
