package client

import "errors"

// Shutdown stops delivery and closes every component that was opened.
// Safe to call on a partially constructed client.
func (cli *Client) Shutdown() error {
	if cli.cancel != nil {
		cli.cancel()
	}
	if cli.Outbox != nil {
		cli.Outbox.Stop()
	}

	var errs []error
	if closer, ok := cli.transport.(interface{ Close() }); ok {
		closer.Close()
	}
	if cli.Node != nil {
		errs = append(errs, cli.Node.Close())
	}
	if cli.rooms != nil {
		errs = append(errs, cli.rooms.Close())
	}
	if cli.Store != nil {
		cli.Store.Close()
	}
	if cli.RemoteLog != nil {
		errs = append(errs, cli.RemoteLog.Close())
	}
	return errors.Join(errs...)
}
