package constants

// AuditEventType identifies a job-affecting occurrence in the audit log.
type AuditEventType string

const (
	EventJobEnqueued           AuditEventType = "job_enqueued"
	EventInvoiceSubmitted      AuditEventType = "invoice_submitted"
	EventDeliveryStatusUpdated AuditEventType = "delivery_status_updated"
	EventJobFailed             AuditEventType = "job_failed"
)
