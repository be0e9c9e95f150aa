// Package audit records per-request usage for later analysis: who called
// which route, the outcome, and the latency.
//
// Recording is strictly best-effort. The recorder hands records to a
// background worker over a bounded buffer; a full buffer drops the record
// and a failing sink logs and drops. The response path never blocks on
// recording and a request never fails because recording failed.
package audit
