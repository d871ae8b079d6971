// Package errors provides standardized error handling for synthiot components.
//
// # Overview
//
// Errors fall into three classes:
//
//   - Transient: broker unavailable, connection lost, storage offline (retry or wait for reconnect)
//   - Invalid: unparseable payloads, unknown topics or parameters, malformed descriptors (skip and log)
//   - Fatal: programming errors such as reading a parameter with the wrong value type
//
// Environmental errors are always recovered where they occur and reported through
// return values, callbacks and logs. None of them may reach the audio thread.
//
// # Usage
//
// Wrap errors with the component and operation that produced them:
//
//	if err := conn.Publish(topic, qos, retain, payload); err != nil {
//	    return errors.WrapTransient(err, "Client", "Publish", "publish to broker")
//	}
//
// Check classification when deciding how to react:
//
//	if errors.IsTransient(err) {
//	    // wait for the next reconnect attempt
//	}
//
// The sentinel values (ErrNotConnected, ErrUnknownParameter, ...) work with the
// standard errors.Is and errors.As through every wrapper in this package.
package errors
