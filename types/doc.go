// Package types defines the shared data model of the DreamForge
// generation pipeline: the PipelineRun document, the credit transaction
// record, the operator preview overlay, and the unified error type used
// across all components.
package types
