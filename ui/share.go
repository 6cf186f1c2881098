package ui

import (
	"context"
	"fmt"
	"os"

	"peerlink/nearby"
)

// runShare accepts every peer, invites everyone it finds and sends files to
// each peer once it connects. It runs until ctx ends.
func runShare(ctx context.Context, opts RunOptions) error {
	for _, path := range opts.ShareFiles {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("share %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("share %s: not a regular file", path)
		}
	}
	opts.AutoInvite = true

	c, err := newController(ctx, opts)
	if err != nil {
		return err
	}
	defer c.shutdown()

	if err := c.start(nearby.AcceptAll(c.session)); err != nil {
		return err
	}
	c.out.Println(fmt.Sprintf("sharing %d file(s) as %s in %q, ctrl-c to stop", len(opts.ShareFiles), c.identity.DisplayName, opts.Namespace))

	<-ctx.Done()
	return nil
}
