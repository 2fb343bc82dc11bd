// Package protocol turns batches of method calls into wire requests over a
// transport and maps the answers back to each method.
//
// # Dialects
//
// Two dialects exist. SmartProtocol (KlapV2, Aes, SslAes) packs calls into a
// multipleRequest envelope where every result carries its own error_code.
// IotProtocol (Xor, Klap, Linkie) sends one object keyed by module and reads
// err_code from each module result.
//
// # Usage Example
//
//	p, err := protocol.Connect(transport.Config{
//	    Host:        "192.168.1.20",
//	    Credentials: credentials.New("user@example.com", "secret"),
//	    Connection:  transport.ConnectionType{DeviceFamily: "SMART.TAPOPLUG", Encryption: "KLAP"},
//	}, protocol.Options{})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	resp, err := p.Query(ctx, protocol.Batch{
//	    {Method: "get_device_info"},
//	    {Method: "get_energy_usage"},
//	})
//	if err != nil {
//	    return err // the whole batch failed
//	}
//	var info DeviceInfo
//	if err := resp.Unmarshal("get_device_info", &info); err != nil {
//	    return err // this call failed, siblings may still hold results
//	}
//
// # Failure Handling
//
// A per-call error code fails only that call. Retryable codes (device busy)
// are retried for that call alone, RetryAttempts times with RetryDelay
// between attempts.
//
// A timeout, a dropped connection or a session-invalidating code fails the
// batch. The session is discarded and the batch is sent once more against a
// fresh handshake. A second failure is returned as a non-retryable error.
//
// # Concurrency
//
// One protocol instance serializes its requests: a Query waits for the one
// before it. Waiting respects the context. Separate instances share nothing
// and run in parallel.
package protocol
