// Package executors provides the default stage executors bound into the
// pipeline registry by Build.
//
// Extraction stages read evidence files directly or shell out to configured
// commands. Language stages (translation, summarization, embedding and media
// graph extraction) prompt a langchaingo model. CDR artifacts use
// deterministic parsing, summarizing and graph extraction so call records
// never depend on a model.
package executors
