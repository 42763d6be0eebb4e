// Package dedupe provides a claim guard: a TTL and size bounded key set that
// lets exactly one caller act on a key within the window.
package dedupe
