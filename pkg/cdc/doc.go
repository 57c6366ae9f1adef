// Package cdc provides the public interfaces and types for Change Data Capture (CDC) functionality.
//
// The package defines the interfaces that connect SQL Server change table
// monitoring to downstream publishers, and the ChangeEvent type those
// publishers receive.
//
// Key Components:
//   - TableMonitor: Interface for monitoring database table changes
//   - ChangePublisher: Interface for publishing CDC changes
//   - ChangeEvent: Type representing a database change event
//   - OutputEnvelope: JSON envelope for a batch of events
package cdc
