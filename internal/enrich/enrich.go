// Package enrich hands ready staging rows to the third-party enrichment
// provider through the lead_enrichment queue.
//
// Rows are enqueued by EnqueueSweep and processed by Worker, which runs as a
// queue.Consumer handler. Retries are queue redeliveries: a failed attempt
// leaves the message leased until its visibility timeout expires, and the
// consumer fails the row once max_retries+1 deliveries were used.
package enrich

// QueueEnrichment carries one message per staging row to enrich.
const QueueEnrichment = "lead_enrichment"

// Payload is the message body on QueueEnrichment.
type Payload struct {
	StagingID   string `json:"staging_id"`
	RunID       string `json:"run_id"`
	WorkspaceID string `json:"workspace_id"`
	MaxRetries  int    `json:"max_retries"`
}

// Merge returns existing with additional applied on top. New keys are added;
// existing keys are replaced only by non-empty values.
func Merge(existing, additional map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(additional))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range additional {
		if _, ok := out[k]; ok && v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
