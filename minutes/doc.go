// Package minutes runs a minutes template against a transcript document.
//
// Static sections are rendered from the meeting context with mustache-style
// placeholders; a placeholder with no value renders as [MISSING:key].
// Dynamic sections are sent to the LLM gateway concurrently, bounded by
// MaxFanOut, and their results are put back in template order before the
// draft is assembled. When the template carries a global prompt the draft
// goes through one more gateway call to produce the final body.
//
// A failed dynamic section does not abort the run: its result carries the
// error and an "ERROR: " body. Only a required section that produced no
// content fails the run, and only when the caller did not allow partial
// documents.
package minutes
