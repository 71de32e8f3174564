package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// forwardMailboxUpdates turns unilateral mailbox updates (new EXISTS counts)
// into wake signals until the connection is gone. The client blocks on a full
// Updates channel, so this must keep draining it.
func forwardMailboxUpdates(updates <-chan imapclient.Update, wake chan<- struct{}, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case update := <-updates:
			if _, ok := update.(*imapclient.MailboxUpdate); !ok {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// waitForMail idles on the selected mailbox until the server reports a change,
// the poll interval elapses, or ctx is done. Servers without IDLE are polled
// with NOOP instead.
func waitForMail(ctx context.Context, c *imapclient.Client, wake <-chan struct{}, interval time.Duration) error {
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(c).IdleWithFallback(stop, interval)
	}()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	case <-timer.C:
	case <-wake:
	}

	close(stop)
	return <-done
}
