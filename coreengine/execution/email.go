package execution

import "time"

// Category is the business category assigned to an email.
type Category string

const (
	CategoryVendor   Category = "vendor"
	CategoryStaff    Category = "staff"
	CategoryCustomer Category = "customer"
	CategorySystem   Category = "system"
)

// Attachment describes one email attachment. Content is stored elsewhere.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// Email is an inbound message accepted for processing.
type Email struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	Sender      string            `json:"sender"`
	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Headers     map[string]string `json:"headers,omitempty"`
	// Category is optional; upstream ingestion may pre-categorize.
	Category Category `json:"category,omitempty"`
}

// HasAttachments reports whether the email carries attachments.
func (e *Email) HasAttachments() bool {
	return len(e.Attachments) > 0
}

// Validate checks the fields the orchestrator requires. The sender is
// mandatory because history lookups query on it.
func (e *Email) Validate() error {
	if e == nil {
		return NewValidationError("email", "email is nil")
	}
	if e.ID == "" {
		return NewValidationError("id", "email id is required")
	}
	if e.Sender == "" {
		return NewValidationError("sender", "email sender is required")
	}
	return nil
}
