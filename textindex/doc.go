// Package textindex provides the full-text side of hybrid retrieval: an
// inverted index over OCR spans, captions and tags, scored with BM25 where
// every term occurrence is weighted by the confidence of the span it came
// from.
//
// Tokenization is the correctness-critical piece: the exact same normalize
// function runs at index time and at query time. Case folding and
// punctuation stripping are applied in one place (Tokenize) so the two
// paths cannot drift apart.
package textindex
