// Package model defines the shared leaf types of the imago core: image
// records and their ingest lifecycle, OCR spans, embedding vectors with
// model-version stamps, and the query request/result shapes.
//
// The package has no dependencies on other imago packages so that every
// component (indexes, stores, coordinator, planner) can exchange values
// without import cycles.
package model
