package utils

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHDialContext dials addr and performs the SSH handshake. The handshake
// is bounded by both config.Timeout and the deadline of ctx.
func SSHDialContext(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	deadline := time.Time{}
	if config.Timeout > 0 {
		deadline = time.Now().Add(config.Timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}

	// Unblocks the handshake when ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	cancelled := !stop()
	if err != nil {
		conn.Close()
		if cancelled {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	if cancelled {
		c.Close()
		return nil, context.Cause(ctx)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
