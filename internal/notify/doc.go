// Package notify is the notification pipeline.
//
// Every ingested event is validated, scored once by an Evaluator and taken
// to exactly one terminal action:
//
//	push       device delivery plus an offer to the output hooks
//	summarize  appended to the target session's bounded summary buffer
//	suppress   counted per channel, content discarded
//
// Hook dispatch is asynchronous; a slow hook never delays Ingest.
package notify
