package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cory-johannsen/sessionsync/internal/transport"
	"github.com/cory-johannsen/sessionsync/internal/wire"
)

// ListSessions returns the open sessions the directory at addr knows for game,
// or for every game when game is empty.
//
// Postcondition: Returns ErrServerUnreachable when addr cannot be reached.
func ListSessions(ctx context.Context, addr, game string, dialTimeout time.Duration) ([]wire.Listing, error) {
	conn, err := transport.Dial(ctx, addr, dialTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := transport.RequestHandshake(conn, hostOf(addr), "/"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnreachable, err)
	}

	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)
	w.String(wire.CommandList.String())
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("sending list: %w", err)
	}
	listing := r.String()
	if err := r.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading list: %w", err)
	}
	w.String(wire.CommandQuit.String())
	_ = w.Flush()

	var out []wire.Listing
	for _, l := range wire.ParseListing(listing) {
		if game == "" || l.Game == game {
			out = append(out, l)
		}
	}
	return out, nil
}

// hostOf returns the host part of addr for the request header.
func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
