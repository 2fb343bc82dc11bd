package protocol

import "context"

// deviceLock serializes requests against one device. A waiter whose context
// is cancelled gives up without ever holding the lock.
type deviceLock chan struct{}

func newDeviceLock() deviceLock {
	return make(deviceLock, 1)
}

func (l deviceLock) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l deviceLock) release() {
	<-l
}
