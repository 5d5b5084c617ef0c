// Package notifier delivers occasion messages over the configured channels.
//
// A Service routes each payload to the channel named by its delivery method
// (email, sms, telegram, log). Every channel has its own token-bucket rate
// limit and each send is bounded by a timeout.
//
// # Retries
//
// Send is single-attempt. A failure is returned to the caller, which records
// it; nothing here retries.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recent sends and publishes notifier.sent / notifier.failed on the bus.
package notifier
