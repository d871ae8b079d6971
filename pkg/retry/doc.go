// Package retry provides exponential backoff for transient broker failures.
//
// Do runs an operation until it succeeds, the attempt budget is spent or the
// context ends. The engine uses it for the initial broker connect:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect(ctx, host, port, clientID)
//	})
//
// Backoff exposes the same schedule without a loop. The transport keeps one
// per client and widens its reconnect pacing with each failed attempt:
//
//	b := retry.NewBackoff(retry.Config{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2})
//	wait := b.Next() // 1s, 2s, 4s ... capped at 1m
//	b.Reset()        // after a successful reconnect
//
// Errors wrapped with NonRetryable stop Do immediately.
package retry
