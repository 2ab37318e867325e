// Package core provides the fundamental types and interfaces for workgate.
//
// This package contains:
//   - WorkUnit, EngineWorker and AuditEntry data models with GORM annotations
//   - Queue metric samples and rollups
//   - Health report, incident and alert state types
//   - Storage interfaces defining the persistence contract
//   - Error types shared by the coordinator, API and health pipeline
//
// Most users should import the root package github.com/jdziat/workgate
// instead of this package directly.
package core
