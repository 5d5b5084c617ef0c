// Package model holds the domain types shared between the delivery core,
// storage drivers and notifier channels: occasions, delivery payloads and
// delivery-history entries.
package model
