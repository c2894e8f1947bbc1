// Package schemasassets provides embedded JSON schemas for boundary
// validation of request bodies.
//
// Schemas are embedded at compile time so validation works in
// installed binaries without the schema files on disk.
package schemasassets

import _ "embed"

// PinsRequestSchema validates pins build request bodies.
//
//go:embed pins-request.schema.json
var PinsRequestSchema []byte

// SubmitSchema validates worker completion bodies.
//
//go:embed submit.schema.json
var SubmitSchema []byte

// TaskSchema validates task enqueue bodies.
//
//go:embed task.schema.json
var TaskSchema []byte
