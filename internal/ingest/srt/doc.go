// Package srt implements the SRT (Secure Reliable Transport) listener that
// feeds live MPEG-TS sources into the ingest registry, where each one is
// bound to a replay capture.
package srt
