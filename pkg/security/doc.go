// Package security provides validation, sanitization, and limits for the
// payloads engine workers and operators send to workgate.
//
// This package includes:
//   - Name validation for lanes, workers, jobs and actors
//   - A field-collecting Validator that reports every problem at once
//   - Error message sanitization before storage
//   - Clamping functions for attempts and lease lengths
package security
